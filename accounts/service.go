package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/google/uuid"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
)

const (
	// DefaultManager and DefaultManagerPassword seed the manager account when
	// nothing else is configured.
	DefaultManager         = "admin"
	DefaultManagerPassword = "admin123"

	recentLogins = 100
	backupLogins = 1000
	backupFormat = "2.0"
)

// Summary is the manager's list view of an installer.
type Summary struct {
	Phone     string     `json:"phoneNumber"`
	MACCount  int        `json:"macCount"`
	CreatedAt time.Time  `json:"createdAt"`
	LastLogin *time.Time `json:"lastLogin"`
}

// Backup is a full export of the store.
type Backup struct {
	ExportDate time.Time         `json:"exportDate"`
	Version    string            `json:"version"`
	Installers []BackupInstaller `json:"installers"`
	Logins     []LoginEntry      `json:"loginLogs"`
	Stats      struct {
		TotalInstallers int `json:"totalInstallers"`
		TotalLogs       int `json:"totalLogs"`
	} `json:"stats"`
}

// BackupInstaller carries the password hash that Installer keeps out of JSON.
type BackupInstaller struct {
	Installer
	PasswordHash string `json:"passwordHash"`
}

// Service implements the installer and manager account operations on a Store.
type Service struct {
	store   Store
	manager string
	now     func() time.Time
	logger  *log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// Manager sets the phone (user name) of the manager account.
func Manager(name string) ServiceOption {
	return func(s *Service) {
		if name != "" {
			s.manager = name
		}
	}
}

// Clock replaces time.Now.
func Clock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// ServiceLogger will set the logger used to log account changes.
func ServiceLogger(l log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = &l
	}
}

// NewService returns a Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		manager: DefaultManager,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) info(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.With(kv...).Info(msg)
	}
}

// SeedManager creates the manager account with password unless it exists.
// It reports whether the account was created.
func (s *Service) SeedManager(ctx context.Context, password string) (bool, error) {
	if password == "" {
		password = DefaultManagerPassword
	}
	_, err := s.store.Get(ctx, s.manager)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	err = s.store.Create(ctx, Installer{
		Phone:        s.manager,
		PasswordHash: hash,
		Manager:      true,
		CreatedAt:    s.now(),
	})
	if errors.Is(err, ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.info("manager account created", "manager", s.manager)
	return true, nil
}

// normalizeAssignments normalises every MAC and rejects empty or repeated ones.
func normalizeAssignments(in []MacAssignment) ([]MacAssignment, error) {
	out := make([]MacAssignment, 0, len(in))
	seen := map[macaddr.MAC]bool{}
	for _, a := range in {
		a.MAC = macaddr.Normalize(string(a.MAC))
		if a.MAC == "" {
			return nil, errors.Wrap(ErrInvalid, "empty mac address")
		}
		if seen[a.MAC] {
			return nil, errors.Wrapf(ErrInvalid, "mac %s listed twice", a.MAC)
		}
		seen[a.MAC] = true
		out = append(out, a)
	}
	return out, nil
}

// CreateInstaller adds an installer with macs and returns its generated password.
func (s *Service) CreateInstaller(ctx context.Context, phone string, macs []MacAssignment) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", errors.Wrap(ErrInvalid, "phone number is required")
	}
	macs, err := normalizeAssignments(macs)
	if err != nil {
		return "", err
	}

	password, err := GeneratePassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}

	err = s.store.Create(ctx, Installer{
		Phone:        phone,
		PasswordHash: hash,
		MACs:         macs,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return "", err
	}
	s.info("installer created", "phone", phone, "macs", len(macs))
	return password, nil
}

func (s *Service) verify(ctx context.Context, phone, password string) (Installer, error) {
	inst, err := s.store.Get(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return Installer{}, ErrInvalidCredentials
	}
	if err != nil {
		return Installer{}, err
	}
	ok, err := VerifyPassword(password, inst.PasswordHash)
	if err != nil {
		return Installer{}, errors.Wrapf(err, "stored hash for %s", phone)
	}
	if !ok {
		return Installer{}, ErrInvalidCredentials
	}
	return inst, nil
}

// LoginInstaller checks an installer's password, records the login and
// returns the installer with its assigned MACs.
func (s *Service) LoginInstaller(ctx context.Context, phone, password, ip string) (Installer, LoginEntry, error) {
	inst, err := s.verify(ctx, strings.TrimSpace(phone), password)
	if err != nil {
		return Installer{}, LoginEntry{}, err
	}

	now := s.now()
	if err := s.store.TouchLogin(ctx, inst.Phone, now); err != nil {
		return Installer{}, LoginEntry{}, err
	}
	inst.LastLogin = &now

	entry := LoginEntry{
		ID:        uuid.New().String(),
		Phone:     inst.Phone,
		Timestamp: now,
		IP:        ip,
	}
	if err := s.store.AppendLogin(ctx, entry); err != nil {
		return Installer{}, LoginEntry{}, err
	}
	return inst, entry, nil
}

// LoginManager checks the manager's credentials.
func (s *Service) LoginManager(ctx context.Context, user, password string) error {
	if user != s.manager {
		return ErrInvalidCredentials
	}
	inst, err := s.verify(ctx, user, password)
	if err != nil {
		return err
	}
	if !inst.Manager {
		return ErrInvalidCredentials
	}
	return nil
}

// ListInstallers returns every installer except the manager, newest first.
func (s *Service) ListInstallers(ctx context.Context) ([]Summary, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(all))
	for _, inst := range all {
		if inst.Manager {
			continue
		}
		out = append(out, Summary{
			Phone:     inst.Phone,
			MACCount:  len(inst.MACs),
			CreatedAt: inst.CreatedAt,
			LastLogin: inst.LastLogin,
		})
	}
	return out, nil
}

// Details returns one installer.
func (s *Service) Details(ctx context.Context, phone string) (Installer, error) {
	inst, err := s.store.Get(ctx, phone)
	if err != nil {
		return Installer{}, err
	}
	if inst.MACs == nil {
		inst.MACs = []MacAssignment{}
	}
	return inst, nil
}

func (s *Service) installer(ctx context.Context, phone string) error {
	inst, err := s.store.Get(ctx, phone)
	if err != nil {
		return err
	}
	if inst.Manager {
		return ErrProtected
	}
	return nil
}

// DeleteInstaller removes an installer and its MAC assignments.
func (s *Service) DeleteInstaller(ctx context.Context, phone string) error {
	if err := s.installer(ctx, phone); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, phone); err != nil {
		return err
	}
	s.info("installer deleted", "phone", phone)
	return nil
}

// ResetPassword gives an installer a new generated password and returns it.
func (s *Service) ResetPassword(ctx context.Context, phone string) (string, error) {
	if err := s.installer(ctx, phone); err != nil {
		return "", err
	}
	password, err := GeneratePassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := s.store.SetPassword(ctx, phone, hash); err != nil {
		return "", err
	}
	s.info("installer password reset", "phone", phone)
	return password, nil
}

// AssignMAC adds a MAC to an installer, or updates its details if already assigned.
func (s *Service) AssignMAC(ctx context.Context, phone string, a MacAssignment) (MacAssignment, error) {
	a.MAC = macaddr.Normalize(string(a.MAC))
	if a.MAC == "" {
		return MacAssignment{}, errors.Wrap(ErrInvalid, "empty mac address")
	}
	if err := s.installer(ctx, phone); err != nil {
		return MacAssignment{}, err
	}
	if err := s.store.UpsertMAC(ctx, phone, a); err != nil {
		return MacAssignment{}, err
	}
	return a, nil
}

// RemoveMAC takes a MAC away from an installer. Removing a MAC the installer
// does not have is not an error.
func (s *Service) RemoveMAC(ctx context.Context, phone, raw string) error {
	mac := macaddr.Normalize(raw)
	if mac == "" {
		return errors.Wrap(ErrInvalid, "empty mac address")
	}
	return s.store.RemoveMAC(ctx, phone, mac)
}

// Logins returns the most recent installer logins, newest first.
func (s *Service) Logins(ctx context.Context) ([]LoginEntry, error) {
	return s.store.Logins(ctx, recentLogins)
}

// Backup exports every account, password hashes included, and the most
// recent logins.
func (s *Service) Backup(ctx context.Context) (Backup, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return Backup{}, err
	}
	logins, err := s.store.Logins(ctx, backupLogins)
	if err != nil {
		return Backup{}, err
	}

	b := Backup{
		ExportDate: s.now().UTC(),
		Version:    backupFormat,
		Installers: make([]BackupInstaller, 0, len(all)),
		Logins:     logins,
	}
	for _, inst := range all {
		if inst.MACs == nil {
			inst.MACs = []MacAssignment{}
		}
		b.Installers = append(b.Installers, BackupInstaller{Installer: inst, PasswordHash: inst.PasswordHash})
	}
	b.Stats.TotalInstallers = len(b.Installers)
	b.Stats.TotalLogs = len(logins)
	return b, nil
}
