package model

import "time"

// Address is a customer's residential address.
type Address struct {
	Line1    string `json:"line1,omitempty"`
	Line2    string `json:"line2,omitempty"`
	Suburb   string `json:"suburb,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Customer is the projected customer read model, keyed by CustomerID.
// Fields accumulate across events: an event carrying only a phone number
// must not erase a previously stored address, so updates go through Merge.
type Customer struct {
	CustomerID         string    `json:"customerId"`
	FirstName          string    `json:"firstName,omitempty"`
	LastName           string    `json:"lastName,omitempty"`
	Email              string    `json:"email,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	DateOfBirth        string    `json:"dateOfBirth,omitempty"`
	ResidentialAddress *Address  `json:"residentialAddress,omitempty"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the customer.
func (c *Customer) Clone() *Customer {
	if c == nil {
		return nil
	}
	out := *c
	if c.ResidentialAddress != nil {
		addr := *c.ResidentialAddress
		out.ResidentialAddress = &addr
	}
	return &out
}

// Merge overlays non-empty fields from other onto c. Empty fields in other
// leave the existing value untouched.
func (c *Customer) Merge(other *Customer) {
	if other == nil {
		return
	}
	if other.CustomerID != "" {
		c.CustomerID = other.CustomerID
	}
	if other.FirstName != "" {
		c.FirstName = other.FirstName
	}
	if other.LastName != "" {
		c.LastName = other.LastName
	}
	if other.Email != "" {
		c.Email = other.Email
	}
	if other.Phone != "" {
		c.Phone = other.Phone
	}
	if other.DateOfBirth != "" {
		c.DateOfBirth = other.DateOfBirth
	}
	if other.ResidentialAddress != nil {
		if c.ResidentialAddress == nil {
			c.ResidentialAddress = &Address{}
		}
		c.ResidentialAddress.Merge(other.ResidentialAddress)
	}
}

// Merge overlays non-empty fields from other onto a.
func (a *Address) Merge(other *Address) {
	if other == nil {
		return
	}
	if other.Line1 != "" {
		a.Line1 = other.Line1
	}
	if other.Line2 != "" {
		a.Line2 = other.Line2
	}
	if other.Suburb != "" {
		a.Suburb = other.Suburb
	}
	if other.State != "" {
		a.State = other.State
	}
	if other.Postcode != "" {
		a.Postcode = other.Postcode
	}
	if other.Country != "" {
		a.Country = other.Country
	}
}
