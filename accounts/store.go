// Package accounts keeps installer and manager accounts, the MAC addresses
// assigned to each installer and the installer login audit trail.
package accounts

import (
	"context"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no account has the requested phone number.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned when a phone number or MAC address is already taken.
	ErrExists = errors.New("already exists")
	// ErrInvalidCredentials is returned for unknown accounts and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalid is returned for input that can never be stored.
	ErrInvalid = errors.New("invalid input")
	// ErrProtected is returned when an operation would remove or reset the manager account.
	ErrProtected = errors.New("manager account is protected")
)

// MacAssignment is a door phone MAC handed to an installer, with the
// installation details the manager keeps alongside it.
type MacAssignment struct {
	MAC            macaddr.MAC `json:"mac"`
	Address        string      `json:"address"`
	Notes          string      `json:"notes"`
	PurchaseDate   string      `json:"purchaseDate"`
	StartDate      string      `json:"startDate"`
	TechnicianName string      `json:"technicianName"`
	SupplierName   string      `json:"supplierName"`
	Description    string      `json:"description"`
	AnnualFee      string      `json:"annualFee"`
	LicensePaid    bool        `json:"licensePaid"`
}

// Installer is an account. The manager account is an Installer with Manager set.
type Installer struct {
	Phone        string          `json:"phoneNumber"`
	PasswordHash string          `json:"-"`
	Manager      bool            `json:"manager,omitempty"`
	MACs         []MacAssignment `json:"macAddresses"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastLogin    *time.Time      `json:"lastLogin"`
}

// LoginEntry is one successful installer login.
type LoginEntry struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phoneNumber"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
}

// Store persists accounts. Implementations are safe for concurrent use and
// return copies, never references into their own state.
type Store interface {
	// Create adds inst, returning ErrExists if the phone or one of its MACs is taken.
	Create(ctx context.Context, inst Installer) error
	Get(ctx context.Context, phone string) (Installer, error)
	// List returns every account, newest first.
	List(ctx context.Context) ([]Installer, error)
	Delete(ctx context.Context, phone string) error
	SetPassword(ctx context.Context, phone, hash string) error
	TouchLogin(ctx context.Context, phone string, at time.Time) error
	// UpsertMAC replaces the assignment with the same MAC or appends a new one.
	UpsertMAC(ctx context.Context, phone string, m MacAssignment) error
	RemoveMAC(ctx context.Context, phone string, mac macaddr.MAC) error
	// OwnerOf returns the phone of the installer mac is assigned to.
	OwnerOf(ctx context.Context, mac macaddr.MAC) (string, error)
	AppendLogin(ctx context.Context, e LoginEntry) error
	// Logins returns up to limit entries, newest first.
	Logins(ctx context.Context, limit int) ([]LoginEntry, error)
	Close() error
}

func (i Installer) clone() Installer {
	if i.MACs != nil {
		i.MACs = append([]MacAssignment(nil), i.MACs...)
	}
	if i.LastLogin != nil {
		t := *i.LastLogin
		i.LastLogin = &t
	}
	return i
}
