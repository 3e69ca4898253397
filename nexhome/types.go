package nexhome

import "time"

// Credential is the session material returned by a successful vendor login.
// A Credential is either complete or not used at all.
type Credential struct {
	Token         string
	AccountID     string
	CustomerID    string
	EngineeringID string

	// BaseURL is the endpoint that issued the token, every call made with
	// this credential goes to it.
	BaseURL string

	IssuedAt time.Time
	Validity time.Duration
}

// Complete reports whether the token and all three identifiers are present.
func (c Credential) Complete() bool {
	return c.Token != "" && c.AccountID != "" && c.CustomerID != "" && c.EngineeringID != ""
}

// ExpiresAt is IssuedAt + Validity.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.Validity)
}

// Valid reports whether c is complete and now is before its expiry.
func (c Credential) Valid(now time.Time) bool {
	return c.Complete() && now.Before(c.ExpiresAt())
}

// MacLibraryEntry is one row of the vendor's MAC library.
type MacLibraryEntry struct {
	SN              string
	CommunityID     string
	UsedCommunityID string
	CommunityName   string
	Status          *int
}

// SiteID prefers the community the MAC is in service on over the one it is
// registered to.
func (e MacLibraryEntry) SiteID() string {
	if e.UsedCommunityID != "" {
		return e.UsedCommunityID
	}
	return e.CommunityID
}

// DeviceRecord is one device of a community as listed by the vendor.
type DeviceRecord struct {
	ID           string
	Name         string
	Type         string
	Model        string
	OnlineStatus *int
	BuildingName string
	RoomNumber   string
}

// ReverseLoginResult is the temporary remote access target of a device.
// Host is empty and Port nil when the vendor did not provide them.
type ReverseLoginResult struct {
	Host string
	Port *int
}
