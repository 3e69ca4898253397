package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/google/uuid"
	"github.com/packethost/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("PACKET_ENV", "test")
	os.Setenv("PACKET_VERSION", "0")
	os.Setenv("ROLLBAR_DISABLE", "1")
	os.Setenv("ROLLBAR_TOKEN", "1")

	os.Exit(m.Run())
}

type backend struct {
	name string
	open func(t *testing.T, opts ...Option) Store
}

func backends(t *testing.T) []backend {
	bs := []backend{
		{"memory", func(t *testing.T, opts ...Option) Store {
			return NewMemory(opts...)
		}},
		{"sqlite", func(t *testing.T, opts ...Option) Store {
			path := filepath.Join(t.TempDir(), "accounts.db")
			s, err := OpenSQLite(context.Background(), path, opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}

	if dsn := os.Getenv("TRACER_TEST_POSTGRES_DSN"); dsn != "" {
		bs = append(bs, backend{"postgres", func(t *testing.T, opts ...Option) Store {
			s, err := OpenPostgres(context.Background(), dsn, opts...)
			require.NoError(t, err)
			_, err = s.db.Exec("TRUNCATE installers, mac_assignments, login_entries")
			require.NoError(t, err)
			if g := applyOptions(opts).gauge; g != nil {
				g.Set(0)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}})
	}
	return bs
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for _, b := range backends(t) {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				assert := require.New(t)
				gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_accounts"})
				s := b.open(t, Gauge(gauge), Logger(log.Test(t, "github.com/genesistracer/tracer/accounts")))

				err := s.Create(ctx, Installer{
					Phone:        "0501",
					PasswordHash: "h1",
					CreatedAt:    t0,
					MACs: []MacAssignment{
						{MAC: "AABBCCDDEEFF", Address: "1 Main St", LicensePaid: true},
						{MAC: "001122334455", AnnualFee: "120"},
					},
				})
				assert.NoError(err)
				assert.Equal(1.0, testutil.ToFloat64(gauge))

				inst, err := s.Get(ctx, "0501")
				assert.NoError(err)
				assert.Equal("0501", inst.Phone)
				assert.Equal("h1", inst.PasswordHash)
				assert.False(inst.Manager)
				assert.True(inst.CreatedAt.Equal(t0))
				assert.Nil(inst.LastLogin)
				assert.Len(inst.MACs, 2)
				assert.Equal(macaddr.MAC("AABBCCDDEEFF"), inst.MACs[0].MAC)
				assert.Equal("1 Main St", inst.MACs[0].Address)
				assert.True(inst.MACs[0].LicensePaid)
				assert.Equal("120", inst.MACs[1].AnnualFee)

				_, err = s.Get(ctx, "0999")
				assert.ErrorIs(err, ErrNotFound)
			})

			t.Run("duplicates", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)

				assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: t0,
					MACs: []MacAssignment{{MAC: "AABBCCDDEEFF"}}}))
				assert.ErrorIs(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: t0}), ErrExists)
				assert.ErrorIs(s.Create(ctx, Installer{Phone: "0502", PasswordHash: "h", CreatedAt: t0,
					MACs: []MacAssignment{{MAC: "AABBCCDDEEFF"}}}), ErrExists)

				_, err := s.Get(ctx, "0502")
				assert.ErrorIs(err, ErrNotFound)
			})

			t.Run("list newest first", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)

				for i, phone := range []string{"a", "b", "c"} {
					assert.NoError(s.Create(ctx, Installer{Phone: phone, PasswordHash: "h", CreatedAt: t0.Add(time.Duration(i) * time.Hour)}))
				}
				all, err := s.List(ctx)
				assert.NoError(err)
				assert.Len(all, 3)
				assert.Equal("c", all[0].Phone)
				assert.Equal("b", all[1].Phone)
				assert.Equal("a", all[2].Phone)
			})

			t.Run("mac assignments", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)
				assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: t0}))
				assert.NoError(s.Create(ctx, Installer{Phone: "0502", PasswordHash: "h", CreatedAt: t0}))

				assert.NoError(s.UpsertMAC(ctx, "0501", MacAssignment{MAC: "AABBCCDDEEFF", Notes: "first"}))
				assert.NoError(s.UpsertMAC(ctx, "0501", MacAssignment{MAC: "001122334455"}))
				assert.NoError(s.UpsertMAC(ctx, "0501", MacAssignment{MAC: "AABBCCDDEEFF", Notes: "second"}))

				inst, err := s.Get(ctx, "0501")
				assert.NoError(err)
				assert.Len(inst.MACs, 2)
				assert.Equal(macaddr.MAC("AABBCCDDEEFF"), inst.MACs[0].MAC)
				assert.Equal("second", inst.MACs[0].Notes)

				owner, err := s.OwnerOf(ctx, "001122334455")
				assert.NoError(err)
				assert.Equal("0501", owner)

				assert.ErrorIs(s.UpsertMAC(ctx, "0502", MacAssignment{MAC: "AABBCCDDEEFF"}), ErrExists)
				assert.ErrorIs(s.UpsertMAC(ctx, "0999", MacAssignment{MAC: "FFFFFFFFFFFF"}), ErrNotFound)

				assert.NoError(s.RemoveMAC(ctx, "0501", "AABBCCDDEEFF"))
				_, err = s.OwnerOf(ctx, "AABBCCDDEEFF")
				assert.ErrorIs(err, ErrNotFound)
				assert.NoError(s.UpsertMAC(ctx, "0502", MacAssignment{MAC: "AABBCCDDEEFF"}))

				inst, err = s.Get(ctx, "0501")
				assert.NoError(err)
				assert.Len(inst.MACs, 1)
				assert.ErrorIs(s.RemoveMAC(ctx, "0999", "AABBCCDDEEFF"), ErrNotFound)
			})

			t.Run("returned values are copies", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)
				assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: t0,
					MACs: []MacAssignment{{MAC: "AABBCCDDEEFF"}}}))

				inst, err := s.Get(ctx, "0501")
				assert.NoError(err)
				inst.MACs[0].Notes = "changed"

				again, err := s.Get(ctx, "0501")
				assert.NoError(err)
				assert.Empty(again.MACs[0].Notes)
			})

			t.Run("password and last login", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)
				assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "old", CreatedAt: t0}))

				assert.NoError(s.SetPassword(ctx, "0501", "new"))
				at := t0.Add(time.Minute)
				assert.NoError(s.TouchLogin(ctx, "0501", at))

				inst, err := s.Get(ctx, "0501")
				assert.NoError(err)
				assert.Equal("new", inst.PasswordHash)
				assert.NotNil(inst.LastLogin)
				assert.True(inst.LastLogin.Equal(at))

				assert.ErrorIs(s.SetPassword(ctx, "0999", "x"), ErrNotFound)
				assert.ErrorIs(s.TouchLogin(ctx, "0999", at), ErrNotFound)
			})

			t.Run("delete", func(t *testing.T) {
				assert := require.New(t)
				gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_accounts"})
				s := b.open(t, Gauge(gauge))
				assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: t0,
					MACs: []MacAssignment{{MAC: "AABBCCDDEEFF"}}}))

				assert.NoError(s.Delete(ctx, "0501"))
				assert.Equal(0.0, testutil.ToFloat64(gauge))
				_, err := s.Get(ctx, "0501")
				assert.ErrorIs(err, ErrNotFound)
				_, err = s.OwnerOf(ctx, "AABBCCDDEEFF")
				assert.ErrorIs(err, ErrNotFound)
				assert.ErrorIs(s.Delete(ctx, "0501"), ErrNotFound)
			})

			t.Run("logins newest first", func(t *testing.T) {
				assert := require.New(t)
				s := b.open(t)

				for i := 0; i < 5; i++ {
					assert.NoError(s.AppendLogin(ctx, LoginEntry{
						ID:        uuid.New().String(),
						Phone:     "0501",
						Timestamp: t0.Add(time.Duration(i) * time.Second),
						IP:        "192.0.2.1",
					}))
				}

				recent, err := s.Logins(ctx, 3)
				assert.NoError(err)
				assert.Len(recent, 3)
				assert.True(recent[0].Timestamp.Equal(t0.Add(4 * time.Second)))
				assert.True(recent[2].Timestamp.Equal(t0.Add(2 * time.Second)))
				assert.Equal("192.0.2.1", recent[0].IP)

				all, err := s.Logins(ctx, 0)
				assert.NoError(err)
				assert.Len(all, 5)
			})
		})
	}
}

func TestMemoryLoginsBounded(t *testing.T) {
	assert := require.New(t)
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < maxMemoryLogins+10; i++ {
		assert.NoError(s.AppendLogin(ctx, LoginEntry{ID: uuid.New().String(), Phone: "0501"}))
	}
	all, err := s.Logins(ctx, 0)
	assert.NoError(err)
	assert.Len(all, maxMemoryLogins)
}

func TestSQLitePersists(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.db")

	s, err := OpenSQLite(ctx, path)
	assert.NoError(err)
	assert.NoError(s.Create(ctx, Installer{Phone: "0501", PasswordHash: "h", CreatedAt: time.Now(),
		MACs: []MacAssignment{{MAC: "AABBCCDDEEFF"}}}))
	assert.NoError(s.Close())

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_accounts"})
	s, err = OpenSQLite(ctx, path, Gauge(gauge))
	assert.NoError(err)
	defer s.Close()
	assert.Equal(1.0, testutil.ToFloat64(gauge))

	owner, err := s.OwnerOf(ctx, "AABBCCDDEEFF")
	assert.NoError(err)
	assert.Equal("0501", owner)
}

func TestPlaceholders(t *testing.T) {
	assert := require.New(t)
	pg := &SQL{dialect: postgresDialect}
	lite := &SQL{dialect: sqliteDialect}

	q := "UPDATE installers SET password_hash = ? WHERE phone = ?"
	assert.Equal("UPDATE installers SET password_hash = $1 WHERE phone = $2", pg.q(q))
	assert.Equal(q, lite.q(q))
}
