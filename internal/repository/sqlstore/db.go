package sqlstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database and applies pending migrations.
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s db: %w", driver, err)
	}

	if err := InitializeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type migration struct {
	version int
	sql     string
}

func migrations(driver string) []migration {
	ts := "TIMESTAMPTZ"
	if driver == DriverSQLite {
		ts = "TIMESTAMP"
	}
	return []migration{
		{
			version: 1,
			sql: strings.ReplaceAll(`
				CREATE TABLE IF NOT EXISTS messages (
					id               TEXT PRIMARY KEY,
					user_id          TEXT NOT NULL,
					external_id      TEXT NOT NULL,
					thread_id        TEXT NOT NULL DEFAULT '',
					subject          TEXT NOT NULL DEFAULT '',
					sender           TEXT NOT NULL DEFAULT '',
					sender_email     TEXT NOT NULL DEFAULT '',
					preview          TEXT NOT NULL DEFAULT '',
					has_attachments  BOOLEAN NOT NULL DEFAULT FALSE,
					has_links        BOOLEAN NOT NULL DEFAULT FALSE,
					has_images       BOOLEAN NOT NULL DEFAULT FALSE,
					status           TEXT NOT NULL,
					decision         TEXT,
					summary          TEXT NOT NULL DEFAULT '',
					review_requested BOOLEAN NOT NULL DEFAULT FALSE,
					links            TEXT NOT NULL DEFAULT '{}',
					error            TEXT NOT NULL DEFAULT '',
					received_at      {ts} NOT NULL,
					created_at       {ts} NOT NULL,
					updated_at       {ts} NOT NULL,
					UNIQUE (user_id, external_id)
				);
				CREATE INDEX IF NOT EXISTS idx_messages_user_status ON messages (user_id, status);
				CREATE INDEX IF NOT EXISTS idx_messages_user_received ON messages (user_id, received_at);`, "{ts}", ts),
		},
		{
			version: 2,
			sql: strings.ReplaceAll(`
				CREATE TABLE IF NOT EXISTS credentials (
					user_id        TEXT NOT NULL,
					system         TEXT NOT NULL,
					access_token   TEXT NOT NULL DEFAULT '',
					refresh_token  TEXT NOT NULL DEFAULT '',
					token_expiry   {ts},
					identity       TEXT NOT NULL DEFAULT '',
					instance_url   TEXT NOT NULL DEFAULT '',
					account_id     TEXT NOT NULL DEFAULT '',
					resource_id    TEXT NOT NULL DEFAULT '',
					resource_name  TEXT NOT NULL DEFAULT '',
					baseline_at    {ts},
					baseline_ready BOOLEAN NOT NULL DEFAULT FALSE,
					last_poll_at   {ts},
					created_at     {ts} NOT NULL,
					updated_at     {ts} NOT NULL,
					PRIMARY KEY (user_id, system)
				);`, "{ts}", ts),
		},
	}
}

// InitializeDatabase creates the schema_version table and applies every
// migration newer than the recorded version.
func InitializeDatabase(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations(db.DriverName()) {
		if m.version <= current {
			continue
		}
		for _, stmt := range strings.Split(m.sql, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := db.Exec(db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}
