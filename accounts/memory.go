package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// maxMemoryLogins bounds the in memory audit trail, older entries are dropped.
const maxMemoryLogins = 1000

// Memory is the in memory Store, indexed by phone and by MAC.
type Memory struct {
	gauge  prometheus.Gauge
	logger *log.Logger

	mu      sync.RWMutex
	byPhone map[string]*Installer
	byMAC   map[macaddr.MAC]string
	logins  []LoginEntry
}

// The Option type describes functions that operate on the stores during construction.
type Option func(*options)

type options struct {
	gauge  prometheus.Gauge
	logger *log.Logger
}

// Gauge will set the gauge used to track the number of stored accounts.
func Gauge(g prometheus.Gauge) Option {
	return func(o *options) {
		o.gauge = g
	}
}

// Logger will set the logger used to log non-error but exceptional things.
func Logger(l log.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemory returns an empty in memory Store.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		gauge:   o.gauge,
		logger:  o.logger,
		byPhone: map[string]*Installer{},
		byMAC:   map[macaddr.MAC]string{},
	}
}

func (m *Memory) Create(_ context.Context, inst Installer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPhone[inst.Phone]; ok {
		return errors.Wrapf(ErrExists, "phone %s", inst.Phone)
	}
	seen := map[macaddr.MAC]bool{}
	for _, a := range inst.MACs {
		if owner, ok := m.byMAC[a.MAC]; ok || seen[a.MAC] {
			if m.logger != nil {
				m.logger.With("mac", a.MAC, "owner", owner).Info("mac already assigned")
			}
			return errors.Wrapf(ErrExists, "mac %s", a.MAC)
		}
		seen[a.MAC] = true
	}

	inst = inst.clone()
	m.byPhone[inst.Phone] = &inst
	for _, a := range inst.MACs {
		m.byMAC[a.MAC] = inst.Phone
	}
	if m.gauge != nil {
		m.gauge.Inc()
	}
	return nil
}

func (m *Memory) Get(_ context.Context, phone string) (Installer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return Installer{}, ErrNotFound
	}
	return inst.clone(), nil
}

func (m *Memory) List(_ context.Context) ([]Installer, error) {
	m.mu.RLock()
	all := make([]Installer, 0, len(m.byPhone))
	for _, inst := range m.byPhone {
		all = append(all, inst.clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Phone < all[j].Phone
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

func (m *Memory) Delete(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return ErrNotFound
	}
	for _, a := range inst.MACs {
		if m.byMAC[a.MAC] == phone {
			delete(m.byMAC, a.MAC)
		}
	}
	delete(m.byPhone, phone)
	if m.gauge != nil {
		m.gauge.Dec()
	}
	return nil
}

func (m *Memory) SetPassword(_ context.Context, phone, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return ErrNotFound
	}
	inst.PasswordHash = hash
	return nil
}

func (m *Memory) TouchLogin(_ context.Context, phone string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return ErrNotFound
	}
	inst.LastLogin = &at
	return nil
}

func (m *Memory) UpsertMAC(_ context.Context, phone string, a MacAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return ErrNotFound
	}
	if owner, ok := m.byMAC[a.MAC]; ok && owner != phone {
		return errors.Wrapf(ErrExists, "mac %s is assigned to %s", a.MAC, owner)
	}

	for i := range inst.MACs {
		if inst.MACs[i].MAC == a.MAC {
			inst.MACs[i] = a
			return nil
		}
	}
	inst.MACs = append(inst.MACs, a)
	m.byMAC[a.MAC] = phone
	return nil
}

func (m *Memory) RemoveMAC(_ context.Context, phone string, mac macaddr.MAC) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byPhone[phone]
	if !ok {
		return ErrNotFound
	}
	kept := inst.MACs[:0]
	for _, a := range inst.MACs {
		if a.MAC != mac {
			kept = append(kept, a)
		}
	}
	inst.MACs = kept
	if m.byMAC[mac] == phone {
		delete(m.byMAC, mac)
	}
	return nil
}

func (m *Memory) OwnerOf(_ context.Context, mac macaddr.MAC) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	phone, ok := m.byMAC[mac]
	if !ok {
		return "", ErrNotFound
	}
	return phone, nil
}

func (m *Memory) AppendLogin(_ context.Context, e LoginEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logins = append(m.logins, e)
	if over := len(m.logins) - maxMemoryLogins; over > 0 {
		m.logins = append([]LoginEntry(nil), m.logins[over:]...)
	}
	return nil
}

func (m *Memory) Logins(_ context.Context, limit int) ([]LoginEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.logins)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LoginEntry, 0, n)
	for i := len(m.logins) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.logins[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
