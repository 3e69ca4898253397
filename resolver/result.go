package resolver

import (
	"strconv"

	"github.com/genesistracer/tracer/nexhome"
)

// Placeholders rendered instead of empty fields so every field is displayable.
const (
	HostNotFound  = "Not found"
	NotAvailable  = "Not available"
	Unknown       = "N/A"
	DefaultDevice = "Door Phone"
)

// Result is the outcome of one resolution. On failure Success is false, Error
// holds the reason and every field resolved before the failure is still set.
type Result struct {
	Success     bool        `json:"success"`
	MAC         string      `json:"mac,omitempty"`
	IP          string      `json:"ip,omitempty"`
	Port        *int        `json:"port,omitempty"`
	FullAddress string      `json:"fullAddress,omitempty"`
	SN          string      `json:"sn,omitempty"`
	Project     string      `json:"project,omitempty"`
	DeviceName  string      `json:"deviceName,omitempty"`
	DeviceType  string      `json:"deviceType,omitempty"`
	DeviceModel string      `json:"deviceModel,omitempty"`
	Status      interface{} `json:"status,omitempty"`
	Building    string      `json:"building,omitempty"`
	Apartment   string      `json:"apartment,omitempty"`

	Error string `json:"error,omitempty"`
	Stage Stage  `json:"stage,omitempty"`
	Kind  Kind   `json:"kind,omitempty"`
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// applyLibrary fills the fields known once the MAC library matched.
func (r *Result) applyLibrary(e nexhome.MacLibraryEntry) {
	r.SN = or(e.SN, Unknown)
	r.Project = or(e.CommunityName, Unknown)
	r.DeviceType = DefaultDevice
	r.DeviceName = Unknown
	r.DeviceModel = Unknown
	r.Status = Unknown
	if e.Status != nil {
		r.Status = *e.Status
	}
}

// applyDevice overrides library fields with the device's own where present.
func (r *Result) applyDevice(d nexhome.DeviceRecord) {
	r.DeviceName = or(d.Name, r.DeviceName)
	r.DeviceType = or(d.Type, r.DeviceType)
	r.DeviceModel = or(d.Model, r.DeviceModel)
	if d.OnlineStatus != nil {
		r.Status = *d.OnlineStatus
	}
	r.Building = d.BuildingName
	r.Apartment = d.RoomNumber
}

func (r *Result) applyTarget(t nexhome.ReverseLoginResult) {
	r.IP = or(t.Host, HostNotFound)
	r.Port = t.Port
	r.FullAddress = NotAvailable
	if t.Host != "" && t.Port != nil {
		r.FullAddress = t.Host + ":" + strconv.Itoa(*t.Port)
	}
}
