package projection

// maxMergeDepth caps recursion when merging application payload fields.
// Anything nested deeper is replaced wholesale rather than merged.
const maxMergeDepth = 8

// deepMerge overlays src onto dst, merging nested maps up to maxMergeDepth.
// Non-map values and depth overflows replace the destination value. dst is
// mutated and returned; a nil dst allocates.
func deepMerge(dst, src map[string]any, depth int) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}

	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		if !srcIsMap || depth >= maxMergeDepth {
			dst[key] = value
			continue
		}

		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dst[key] = deepMerge(make(map[string]any, len(srcMap)), srcMap, depth+1)
			continue
		}

		dst[key] = deepMerge(dstMap, srcMap, depth+1)
	}

	return dst
}
