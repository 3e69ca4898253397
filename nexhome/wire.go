package nexhome

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The vendor is loose about JSON types: identifiers come as strings or
// numbers, statuses as numbers, numeric strings or booleans. Everything
// below exists to map that onto the types in types.go in one place per call.

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// objects, arrays and booleans carry no identifier
		return nil
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number, a numeric string or a boolean. Anything else
// leaves it unset.
type flexInt struct {
	value int
	valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch s {
	case "", "null":
		return nil
	case "true":
		f.value, f.valid = 1, true
		return nil
	case "false":
		f.value, f.valid = 0, true
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		f.value, f.valid = n, true
		return nil
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		f.value, f.valid = int(fl), true
	}
	return nil
}

func (f flexInt) ptr() *int {
	if !f.valid {
		return nil
	}
	v := f.value
	return &v
}

// envelope is the wrapper around every vendor response.
type envelope struct {
	Code    flexString      `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

func (e envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

func (e envelope) interpretable() bool {
	return e.Code != "" || e.message() != ""
}

func (e envelope) hasResult() bool {
	r := bytes.TrimSpace(e.Result)
	return len(r) > 0 && string(r) != "null"
}

// list payloads are under result.elements, some deployments use result.list.
type wireList[T any] struct {
	Elements []T `json:"elements"`
	List     []T `json:"list"`
}

func (l wireList[T]) items() []T {
	if len(l.Elements) > 0 {
		return l.Elements
	}
	return l.List
}

type wireLogin struct {
	TokenInfo struct {
		Token string `json:"token"`
	} `json:"tokenInfo"`
	EmployeeInfo struct {
		AccountID     flexString `json:"accountId"`
		CustomerID    flexString `json:"customerId"`
		EngineeringID flexString `json:"engineeringId"`
	} `json:"employeeInfo"`
}

func adaptLogin(w wireLogin, base string) Credential {
	return Credential{
		Token:         w.TokenInfo.Token,
		AccountID:     string(w.EmployeeInfo.AccountID),
		CustomerID:    string(w.EmployeeInfo.CustomerID),
		EngineeringID: string(w.EmployeeInfo.EngineeringID),
		BaseURL:       base,
	}
}

type wireLibraryEntry struct {
	SN              flexString `json:"sn"`
	CommunityID     flexString `json:"communityId"`
	UsedCommunityID flexString `json:"usedCommunityId"`
	CommunityName   flexString `json:"communityName"`
	Status          flexInt    `json:"status"`
}

func adaptLibrary(l wireList[wireLibraryEntry]) []MacLibraryEntry {
	items := l.items()
	entries := make([]MacLibraryEntry, 0, len(items))
	for _, w := range items {
		entries = append(entries, MacLibraryEntry{
			SN:              string(w.SN),
			CommunityID:     string(w.CommunityID),
			UsedCommunityID: string(w.UsedCommunityID),
			CommunityName:   string(w.CommunityName),
			Status:          w.Status.ptr(),
		})
	}
	return entries
}

type wireDevice struct {
	ID           flexString `json:"id"`
	Name         flexString `json:"name"`
	Type         flexString `json:"type"`
	Model        flexString `json:"model"`
	OnlineStatus flexInt    `json:"onlineStatus"`
	BuildingName flexString `json:"buildingName"`
	RoomNumber   flexString `json:"roomNumber"`
}

func adaptDevices(l wireList[wireDevice]) []DeviceRecord {
	items := l.items()
	devices := make([]DeviceRecord, 0, len(items))
	for _, w := range items {
		devices = append(devices, DeviceRecord{
			ID:           string(w.ID),
			Name:         string(w.Name),
			Type:         string(w.Type),
			Model:        string(w.Model),
			OnlineStatus: w.OnlineStatus.ptr(),
			BuildingName: string(w.BuildingName),
			RoomNumber:   string(w.RoomNumber),
		})
	}
	return devices
}

type wireReverseLogin struct {
	TargetHost flexString `json:"targetHost"`
	TargetPort flexInt    `json:"targetPort"`
}

func adaptReverseLogin(w wireReverseLogin) ReverseLoginResult {
	return ReverseLoginResult{
		Host: string(w.TargetHost),
		Port: w.TargetPort.ptr(),
	}
}
