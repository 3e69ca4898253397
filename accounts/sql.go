package accounts

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name     string
	schema   string
	numbered bool // $1, $2 placeholders instead of ?
	txOpts   *sql.TxOptions
	unique   func(error) bool
}

var sqliteDialect = dialect{
	name: "sqlite3",
	schema: `
	CREATE TABLE IF NOT EXISTS installers (
		phone TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		manager BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_login TIMESTAMP NULL
	);
	CREATE TABLE IF NOT EXISTS mac_assignments (
		mac TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		position INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		purchase_date TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		technician_name TEXT NOT NULL DEFAULT '',
		supplier_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		annual_fee TEXT NOT NULL DEFAULT '',
		license_paid BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_mac_assignments_phone ON mac_assignments(phone);
	CREATE TABLE IF NOT EXISTS login_entries (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		ip TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_login_entries_at ON login_entries(at);
	`,
	unique: func(err error) bool {
		var e sqlite3.Error
		return errors.As(err, &e) && e.Code == sqlite3.ErrConstraint
	},
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS installers (
		phone TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		manager BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		last_login TIMESTAMPTZ NULL
	);
	CREATE TABLE IF NOT EXISTS mac_assignments (
		mac TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		position INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		purchase_date TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		technician_name TEXT NOT NULL DEFAULT '',
		supplier_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		annual_fee TEXT NOT NULL DEFAULT '',
		license_paid BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_mac_assignments_phone ON mac_assignments(phone);
	CREATE TABLE IF NOT EXISTS login_entries (
		id UUID PRIMARY KEY,
		phone TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		ip TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_login_entries_at ON login_entries(at DESC);
	`,
	numbered: true,
	txOpts:   &sql.TxOptions{Isolation: sql.LevelSerializable},
	unique: func(err error) bool {
		var e *pq.Error
		return errors.As(err, &e) && e.Code == "23505"
	},
}

// SQL is a Store on a database/sql connection, either SQLite or Postgres.
type SQL struct {
	db      *sql.DB
	dialect dialect
	gauge   prometheus.Gauge
	logger  *log.Logger
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQL, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time, sqlite locks the whole file anyway
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db, sqliteDialect, opts)
}

// OpenPostgres connects to the Postgres database at dsn.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return newSQL(ctx, db, postgresDialect, opts)
}

func newSQL(ctx context.Context, db *sql.DB, d dialect, opts []Option) (*SQL, error) {
	o := applyOptions(opts)
	s := &SQL{db: db, dialect: d, gauge: o.gauge, logger: o.logger}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", d.name)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}

	if s.gauge != nil {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM installers").Scan(&n); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "count installers")
		}
		s.gauge.Set(float64(n))
	}
	if s.logger != nil {
		s.logger.With("driver", d.name).Info("account store ready")
	}
	return s, nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *SQL) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, s.dialect.txOpts)
	if err != nil {
		return errors.Wrap(err, "BEGIN transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "COMMIT")
	}
	return nil
}

func (s *SQL) Create(ctx context.Context, inst Installer) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var lastLogin interface{}
		if inst.LastLogin != nil {
			lastLogin = inst.LastLogin.UTC()
		}
		_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO installers (phone, password_hash, manager, created_at, last_login)
		VALUES (?, ?, ?, ?, ?)`),
			inst.Phone, inst.PasswordHash, inst.Manager, inst.CreatedAt.UTC(), lastLogin)
		if err != nil {
			if s.dialect.unique(err) {
				return errors.Wrapf(ErrExists, "phone %s", inst.Phone)
			}
			return errors.Wrap(err, "INSERT installer")
		}
		for i, a := range inst.MACs {
			if err := s.insertMAC(ctx, tx, inst.Phone, i, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && s.gauge != nil {
		s.gauge.Inc()
	}
	return err
}

func (s *SQL) insertMAC(ctx context.Context, tx *sql.Tx, phone string, pos int, a MacAssignment) error {
	_, err := tx.ExecContext(ctx, s.q(`
	INSERT INTO mac_assignments
		(mac, phone, position, address, notes, purchase_date, start_date,
		 technician_name, supplier_name, description, annual_fee, license_paid)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(a.MAC), phone, pos, a.Address, a.Notes, a.PurchaseDate, a.StartDate,
		a.TechnicianName, a.SupplierName, a.Description, a.AnnualFee, a.LicensePaid)
	if err != nil {
		if s.dialect.unique(err) {
			return errors.Wrapf(ErrExists, "mac %s", a.MAC)
		}
		return errors.Wrap(err, "INSERT mac assignment")
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstaller(row scanner) (Installer, error) {
	var (
		inst Installer
		last sql.NullTime
	)
	if err := row.Scan(&inst.Phone, &inst.PasswordHash, &inst.Manager, &inst.CreatedAt, &last); err != nil {
		return Installer{}, err
	}
	if last.Valid {
		t := last.Time
		inst.LastLogin = &t
	}
	return inst, nil
}

func (s *SQL) macs(ctx context.Context, phones ...string) (map[string][]MacAssignment, error) {
	query := `
	SELECT mac, phone, address, notes, purchase_date, start_date,
		technician_name, supplier_name, description, annual_fee, license_paid
	FROM mac_assignments`
	args := []interface{}{}
	if len(phones) == 1 {
		query += " WHERE phone = ?"
		args = append(args, phones[0])
	}
	query += " ORDER BY phone, position"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "SELECT mac assignments")
	}
	defer rows.Close()

	out := map[string][]MacAssignment{}
	for rows.Next() {
		var (
			a     MacAssignment
			mac   string
			phone string
		)
		err := rows.Scan(&mac, &phone, &a.Address, &a.Notes, &a.PurchaseDate, &a.StartDate,
			&a.TechnicianName, &a.SupplierName, &a.Description, &a.AnnualFee, &a.LicensePaid)
		if err != nil {
			return nil, errors.Wrap(err, "scan mac assignment")
		}
		a.MAC = macaddr.MAC(mac)
		out[phone] = append(out[phone], a)
	}
	return out, errors.Wrap(rows.Err(), "iterate mac assignments")
}

func (s *SQL) Get(ctx context.Context, phone string) (Installer, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
	SELECT phone, password_hash, manager, created_at, last_login
	FROM installers
	WHERE phone = ?`), phone)
	inst, err := scanInstaller(row)
	if err == sql.ErrNoRows {
		return Installer{}, ErrNotFound
	}
	if err != nil {
		return Installer{}, errors.Wrap(err, "SELECT installer")
	}

	macs, err := s.macs(ctx, phone)
	if err != nil {
		return Installer{}, err
	}
	inst.MACs = macs[phone]
	return inst, nil
}

func (s *SQL) List(ctx context.Context) ([]Installer, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT phone, password_hash, manager, created_at, last_login
	FROM installers
	ORDER BY created_at DESC, phone`)
	if err != nil {
		return nil, errors.Wrap(err, "SELECT installers")
	}
	defer rows.Close()

	all := []Installer{}
	for rows.Next() {
		inst, err := scanInstaller(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan installer")
		}
		all = append(all, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate installers")
	}
	rows.Close()

	macs, err := s.macs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].MACs = macs[all[i].Phone]
	}
	return all, nil
}

// mustAffect turns a zero row update into ErrNotFound.
func mustAffect(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, phone string) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM mac_assignments WHERE phone = ?"), phone); err != nil {
			return errors.Wrap(err, "DELETE mac assignments")
		}
		res, err := tx.ExecContext(ctx, s.q("DELETE FROM installers WHERE phone = ?"), phone)
		return mustAffect(res, err, "DELETE installer")
	})
	if err == nil && s.gauge != nil {
		s.gauge.Dec()
	}
	return err
}

func (s *SQL) SetPassword(ctx context.Context, phone, hash string) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE installers SET password_hash = ? WHERE phone = ?"), hash, phone)
	return mustAffect(res, err, "UPDATE password")
}

func (s *SQL) TouchLogin(ctx context.Context, phone string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE installers SET last_login = ? WHERE phone = ?"), at.UTC(), phone)
	return mustAffect(res, err, "UPDATE last_login")
}

func (s *SQL) UpsertMAC(ctx context.Context, phone string, a MacAssignment) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM installers WHERE phone = ?"), phone).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "SELECT installer")
		}
		if exists == 0 {
			return ErrNotFound
		}

		var owner string
		err = tx.QueryRowContext(ctx, s.q("SELECT phone FROM mac_assignments WHERE mac = ?"), string(a.MAC)).Scan(&owner)
		switch {
		case err == sql.ErrNoRows:
			var pos int
			err := tx.QueryRowContext(ctx, s.q("SELECT COALESCE(MAX(position), -1) + 1 FROM mac_assignments WHERE phone = ?"), phone).Scan(&pos)
			if err != nil {
				return errors.Wrap(err, "SELECT position")
			}
			return s.insertMAC(ctx, tx, phone, pos, a)
		case err != nil:
			return errors.Wrap(err, "SELECT mac owner")
		case owner != phone:
			return errors.Wrapf(ErrExists, "mac %s is assigned to %s", a.MAC, owner)
		}

		_, err = tx.ExecContext(ctx, s.q(`
		UPDATE mac_assignments SET
			address = ?, notes = ?, purchase_date = ?, start_date = ?,
			technician_name = ?, supplier_name = ?, description = ?,
			annual_fee = ?, license_paid = ?
		WHERE mac = ?`),
			a.Address, a.Notes, a.PurchaseDate, a.StartDate,
			a.TechnicianName, a.SupplierName, a.Description,
			a.AnnualFee, a.LicensePaid, string(a.MAC))
		return errors.Wrap(err, "UPDATE mac assignment")
	})
}

func (s *SQL) RemoveMAC(ctx context.Context, phone string, mac macaddr.MAC) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM installers WHERE phone = ?"), phone).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "SELECT installer")
		}
		if exists == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.q("DELETE FROM mac_assignments WHERE phone = ? AND mac = ?"), phone, string(mac))
		return errors.Wrap(err, "DELETE mac assignment")
	})
}

func (s *SQL) OwnerOf(ctx context.Context, mac macaddr.MAC) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, s.q("SELECT phone FROM mac_assignments WHERE mac = ?"), string(mac)).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return phone, errors.Wrap(err, "SELECT mac owner")
}

func (s *SQL) AppendLogin(ctx context.Context, e LoginEntry) error {
	_, err := s.db.ExecContext(ctx, s.q("INSERT INTO login_entries (id, phone, at, ip) VALUES (?, ?, ?, ?)"),
		e.ID, e.Phone, e.Timestamp.UTC(), e.IP)
	return errors.Wrap(err, "INSERT login entry")
}

func (s *SQL) Logins(ctx context.Context, limit int) ([]LoginEntry, error) {
	query := "SELECT id, phone, at, ip FROM login_entries ORDER BY at DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "SELECT login entries")
	}
	defer rows.Close()

	out := []LoginEntry{}
	for rows.Next() {
		var e LoginEntry
		if err := rows.Scan(&e.ID, &e.Phone, &e.Timestamp, &e.IP); err != nil {
			return nil, errors.Wrap(err, "scan login entry")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate login entries")
}

func (s *SQL) Close() error {
	return s.db.Close()
}
