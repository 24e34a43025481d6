// Package sql provides a Postgres/SQLite backend for the SAM storage
// contracts, grounded in dexidp-dex's storage/sql package: a thin conn
// wrapper that translates queries between flavors, plus migrations run at
// Open time.
package sql

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/lib/pq"

	// register the mattn/go-sqlite3 driver under "sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// flavor translates query strings between SQL dialects. Flavors don't aim
// to translate all possible SQL, only the specific queries this package
// issues.
type flavor struct {
	queryReplacers []replacer
	executeTx      func(db *sql.DB, fn func(*sql.Tx) error) error
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	flavorPostgres = flavor{
		// Postgres defaults to consistent reads, not consistent writes;
		// force serializable isolation and retry on serialization failure,
		// mirroring dexidp-dex's flavorPostgres.executeTx.
		executeTx: func(db *sql.DB, fn func(tx *sql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
			for {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				return nil
			}
		},
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("bigserial"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
		},
	}
)

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// DB is the main database connection, wrapping *sql.DB with flavor
// translation, mirroring dexidp-dex's conn.
type DB struct {
	db     *sql.DB
	flavor flavor
}

// Open opens a connection for the given driver ("postgres" or "sqlite3"),
// pings it, and runs pending migrations.
func Open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	f := flavorPostgres
	if driver == "sqlite3" {
		f = flavorSQLite3
		db.SetMaxOpenConns(1) // sqlite3 only tolerates one writer at a time
	}

	c := &DB{db: db, flavor: f}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *DB) Close() error {
	return c.db.Close()
}

func (c *DB) exec(query string, args ...interface{}) (sql.Result, error) {
	return c.db.Exec(c.flavor.translate(query), args...)
}

func (c *DB) query(query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.Query(c.flavor.translate(query), args...)
}

func (c *DB) queryRow(query string, args ...interface{}) *sql.Row {
	return c.db.QueryRow(c.flavor.translate(query), args...)
}

// execTx runs fn within a transaction, using the flavor's retry strategy
// when one is configured.
func (c *DB) execTx(fn func(tx *txn) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&txn{tx: sqlTx, flavor: c.flavor})
		})
	}
	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&txn{tx: sqlTx, flavor: c.flavor}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type txn struct {
	tx     *sql.Tx
	flavor flavor
}

func (t *txn) exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(t.flavor.translate(query), args...)
}

func (t *txn) query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(t.flavor.translate(query), args...)
}

func (t *txn) queryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(t.flavor.translate(query), args...)
}

func (c *DB) migrate() error {
	if _, err := c.exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`); err != nil {
		return err
	}

	for {
		done := false
		err := c.execTx(func(tx *txn) error {
			var num sql.NullInt64
			if err := tx.queryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return err
			}
			n := 0
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}
			if _, err := tx.exec(migrations[n]); err != nil {
				return err
			}
			if _, err := tx.exec(`insert into migrations (num, at) values ($1, now());`, n+1); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// migrations holds every schema statement this package depends on, applied
// in order exactly once, mirroring dexidp-dex's migrate.go.
var migrations = []string{
	`create table accounts (
		id text not null primary key,
		username text not null,
		identity_key bytea not null,
		created_at timestamptz not null
	);`,
	`create table used_link_tokens (
		id text not null primary key,
		issued_at timestamptz not null
	);`,
	`create table devices (
		account_id text not null,
		device_id integer not null,
		name text not null,
		registration_id integer not null,
		created_at timestamptz not null,
		password_hash text not null,
		password_salt text not null,
		primary key (account_id, device_id)
	);`,
	`create table one_time_prekeys (
		account_id text not null,
		device_id integer not null,
		key_id integer not null,
		public_key bytea not null,
		primary key (account_id, device_id, key_id)
	);`,
	`create table one_time_pq_prekeys (
		account_id text not null,
		device_id integer not null,
		key_id integer not null,
		public_key bytea not null,
		signature bytea not null,
		primary key (account_id, device_id, key_id)
	);`,
	`create table signed_prekeys (
		account_id text not null,
		device_id integer not null,
		key_id integer not null,
		public_key bytea not null,
		signature bytea not null,
		primary key (account_id, device_id)
	);`,
	`create table last_resort_pq_prekeys (
		account_id text not null,
		device_id integer not null,
		key_id integer not null,
		public_key bytea not null,
		signature bytea not null,
		primary key (account_id, device_id)
	);`,
	`create table messages (
		seq bigserial primary key,
		account_id text not null,
		device_id integer not null,
		message_id text not null unique,
		env_type integer not null,
		dest_account_id text not null,
		dest_device_id integer not null,
		src_account_id text not null,
		src_device_id integer not null,
		content bytea not null
	);`,
	`create index messages_addr_idx on messages (account_id, device_id);`,
}
