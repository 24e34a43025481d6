package sql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

var (
	_ storage.AccountStore = (*Store)(nil)
	_ storage.DeviceStore  = (*Store)(nil)
	_ storage.KeyStore     = (*Store)(nil)
	_ storage.MessageStore = (*Store)(nil)
)

// Store implements every SAM storage contract over a single SQL connection,
// adapted from dexidp-dex's single conn-backed Storage implementation.
type Store struct {
	db *DB
}

// New wraps an opened DB as a Store.
func New(db *DB) *Store {
	return &Store{db: db}
}

// isConstraintErr detects a primary-key/unique violation from either driver
// by inspecting the error text, since pq and go-sqlite3 surface distinct
// error types.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "PRIMARY KEY")
}

// --- AccountStore ---

func (s *Store) AddAccount(ctx context.Context, account model.Account) error {
	_, err := s.db.exec(
		`insert into accounts (id, username, identity_key, created_at) values ($1, $2, $3, $4);`,
		account.ID.String(), account.Username, account.IdentityKey, account.CreatedAt,
	)
	if isConstraintErr(err) {
		return errors.WithStack(samerr.ErrAccountExists)
	}
	return errors.Wrap(err, "insert account")
}

func (s *Store) GetAccount(ctx context.Context, id model.AccountID) (model.Account, error) {
	row := s.db.queryRow(`select id, username, identity_key, created_at from accounts where id = $1;`, id.String())
	var (
		idStr    string
		a        model.Account
		identity []byte
	)
	if err := row.Scan(&idStr, &a.Username, &identity, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Account{}, errors.WithStack(samerr.ErrAccountNotFound)
		}
		return model.Account{}, errors.Wrap(err, "scan account")
	}
	parsed, err := model.ParseAccountID(idStr)
	if err != nil {
		return model.Account{}, errors.Wrap(err, "parse account id")
	}
	a.ID = parsed
	a.IdentityKey = identity
	return a, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id model.AccountID) error {
	res, err := s.db.exec(`delete from accounts where id = $1;`, id.String())
	if err != nil {
		return errors.Wrap(err, "delete account")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.WithStack(samerr.ErrAccountNotFound)
	}
	return nil
}

func (s *Store) AddUsedLinkToken(ctx context.Context, tokenID string, issuedAt time.Time) error {
	_, err := s.db.exec(`insert into used_link_tokens (id, issued_at) values ($1, $2);`, tokenID, issuedAt)
	if isConstraintErr(err) {
		return errors.WithStack(samerr.ErrLinkTokenReused)
	}
	return errors.Wrap(err, "insert used link token")
}

func (s *Store) GC(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-600 * time.Second)
	res, err := s.db.exec(`delete from used_link_tokens where issued_at < $1;`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "gc used link tokens")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- DeviceStore ---

func (s *Store) AddDevice(ctx context.Context, device model.Device) error {
	_, err := s.db.exec(
		`insert into devices (account_id, device_id, name, registration_id, created_at, password_hash, password_salt)
		 values ($1, $2, $3, $4, $5, $6, $7);`,
		device.AccountID.String(), device.ID, device.Name, device.RegistrationID, device.CreatedAt,
		device.PasswordHash, device.PasswordSalt,
	)
	if isConstraintErr(err) {
		return errors.WithStack(samerr.ErrDeviceExists)
	}
	return errors.Wrap(err, "insert device")
}

func (s *Store) scanDevice(row scanner) (model.Device, error) {
	var (
		accountID string
		d         model.Device
	)
	if err := row.Scan(&accountID, &d.ID, &d.Name, &d.RegistrationID, &d.CreatedAt, &d.PasswordHash, &d.PasswordSalt); err != nil {
		return model.Device{}, err
	}
	parsed, err := model.ParseAccountID(accountID)
	if err != nil {
		return model.Device{}, err
	}
	d.AccountID = parsed
	return d, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) GetDevice(ctx context.Context, addr model.DeviceAddress) (model.Device, error) {
	row := s.db.queryRow(
		`select account_id, device_id, name, registration_id, created_at, password_hash, password_salt
		 from devices where account_id = $1 and device_id = $2;`,
		addr.AccountID.String(), addr.DeviceID,
	)
	d, err := s.scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Device{}, errors.WithStack(samerr.ErrDeviceNotFound)
		}
		return model.Device{}, errors.Wrap(err, "scan device")
	}
	return d, nil
}

func (s *Store) GetAllDevices(ctx context.Context, accountID model.AccountID) ([]model.Device, error) {
	rows, err := s.db.query(
		`select account_id, device_id, name, registration_id, created_at, password_hash, password_salt
		 from devices where account_id = $1 order by device_id asc;`,
		accountID.String(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "query devices")
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) DeleteDevice(ctx context.Context, addr model.DeviceAddress) error {
	res, err := s.db.exec(`delete from devices where account_id = $1 and device_id = $2;`, addr.AccountID.String(), addr.DeviceID)
	if err != nil {
		return errors.Wrap(err, "delete device")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.WithStack(samerr.ErrDeviceNotFound)
	}
	return nil
}

// --- KeyStore ---

func (s *Store) AddOneTimePreKeys(ctx context.Context, keys []model.PreKey) error {
	for _, k := range keys {
		if _, err := s.db.exec(
			`insert into one_time_prekeys (account_id, device_id, key_id, public_key) values ($1, $2, $3, $4);`,
			k.AccountID.String(), k.DeviceID, k.KeyID, k.PublicKey,
		); err != nil {
			return errors.Wrap(err, "insert one-time pre-key")
		}
	}
	return nil
}

func (s *Store) PopOneTimePreKey(ctx context.Context, addr model.DeviceAddress) (*model.PreKey, error) {
	var out *model.PreKey
	err := s.db.execTx(func(tx *txn) error {
		row := tx.queryRow(
			`select key_id, public_key from one_time_prekeys where account_id = $1 and device_id = $2 order by key_id asc limit 1;`,
			addr.AccountID.String(), addr.DeviceID,
		)
		var k model.PreKey
		if err := row.Scan(&k.KeyID, &k.PublicKey); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.exec(
			`delete from one_time_prekeys where account_id = $1 and device_id = $2 and key_id = $3;`,
			addr.AccountID.String(), addr.DeviceID, k.KeyID,
		); err != nil {
			return err
		}
		k.AccountID, k.DeviceID = addr.AccountID, addr.DeviceID
		out = &k
		return nil
	})
	return out, errors.Wrap(err, "pop one-time pre-key")
}

func (s *Store) AddOneTimePqPreKeys(ctx context.Context, keys []model.SignedKey) error {
	for _, k := range keys {
		if _, err := s.db.exec(
			`insert into one_time_pq_prekeys (account_id, device_id, key_id, public_key, signature) values ($1, $2, $3, $4, $5);`,
			k.AccountID.String(), k.DeviceID, k.KeyID, k.PublicKey, k.Signature,
		); err != nil {
			return errors.Wrap(err, "insert one-time pq pre-key")
		}
	}
	return nil
}

func (s *Store) PopOneTimePqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	var out *model.SignedKey
	err := s.db.execTx(func(tx *txn) error {
		row := tx.queryRow(
			`select key_id, public_key, signature from one_time_pq_prekeys where account_id = $1 and device_id = $2 order by key_id asc limit 1;`,
			addr.AccountID.String(), addr.DeviceID,
		)
		var k model.SignedKey
		if err := row.Scan(&k.KeyID, &k.PublicKey, &k.Signature); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.exec(
			`delete from one_time_pq_prekeys where account_id = $1 and device_id = $2 and key_id = $3;`,
			addr.AccountID.String(), addr.DeviceID, k.KeyID,
		); err != nil {
			return err
		}
		k.AccountID, k.DeviceID = addr.AccountID, addr.DeviceID
		out = &k
		return nil
	})
	return out, errors.Wrap(err, "pop one-time pq pre-key")
}

func (s *Store) SetSignedPreKey(ctx context.Context, key model.SignedKey) error {
	err := s.db.execTx(func(tx *txn) error {
		if _, err := tx.exec(`delete from signed_prekeys where account_id = $1 and device_id = $2;`, key.AccountID.String(), key.DeviceID); err != nil {
			return err
		}
		_, err := tx.exec(
			`insert into signed_prekeys (account_id, device_id, key_id, public_key, signature) values ($1, $2, $3, $4, $5);`,
			key.AccountID.String(), key.DeviceID, key.KeyID, key.PublicKey, key.Signature,
		)
		return err
	})
	return errors.Wrap(err, "set signed pre-key")
}

func (s *Store) GetSignedPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	row := s.db.queryRow(
		`select key_id, public_key, signature from signed_prekeys where account_id = $1 and device_id = $2;`,
		addr.AccountID.String(), addr.DeviceID,
	)
	var k model.SignedKey
	if err := row.Scan(&k.KeyID, &k.PublicKey, &k.Signature); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan signed pre-key")
	}
	k.AccountID, k.DeviceID = addr.AccountID, addr.DeviceID
	return &k, nil
}

func (s *Store) SetLastResortPqPreKey(ctx context.Context, key model.SignedKey) error {
	err := s.db.execTx(func(tx *txn) error {
		if _, err := tx.exec(`delete from last_resort_pq_prekeys where account_id = $1 and device_id = $2;`, key.AccountID.String(), key.DeviceID); err != nil {
			return err
		}
		_, err := tx.exec(
			`insert into last_resort_pq_prekeys (account_id, device_id, key_id, public_key, signature) values ($1, $2, $3, $4, $5);`,
			key.AccountID.String(), key.DeviceID, key.KeyID, key.PublicKey, key.Signature,
		)
		return err
	})
	return errors.Wrap(err, "set last-resort pq pre-key")
}

func (s *Store) GetLastResortPqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	row := s.db.queryRow(
		`select key_id, public_key, signature from last_resort_pq_prekeys where account_id = $1 and device_id = $2;`,
		addr.AccountID.String(), addr.DeviceID,
	)
	var k model.SignedKey
	if err := row.Scan(&k.KeyID, &k.PublicKey, &k.Signature); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan last-resort pq pre-key")
	}
	k.AccountID, k.DeviceID = addr.AccountID, addr.DeviceID
	return &k, nil
}

func (s *Store) DeleteDeviceKeys(ctx context.Context, addr model.DeviceAddress) error {
	return s.db.execTx(func(tx *txn) error {
		for _, table := range []string{"one_time_prekeys", "one_time_pq_prekeys", "signed_prekeys", "last_resort_pq_prekeys"} {
			if _, err := tx.exec(`delete from `+table+` where account_id = $1 and device_id = $2;`, addr.AccountID.String(), addr.DeviceID); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- MessageStore ---

func (s *Store) PushMessage(ctx context.Context, env model.ServerEnvelope) error {
	_, err := s.db.exec(
		`insert into messages (account_id, device_id, message_id, env_type, dest_account_id, dest_device_id, src_account_id, src_device_id, content)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		env.DestAccountID.String(), env.DestDeviceID, env.ID.String(), env.Type,
		env.DestAccountID.String(), env.DestDeviceID, env.SrcAccountID.String(), env.SrcDeviceID, env.Content,
	)
	return errors.Wrap(err, "insert message")
}

func (s *Store) scanEnvelope(row scanner) (model.ServerEnvelope, error) {
	var (
		env                                  model.ServerEnvelope
		messageID, destAccount, srcAccount string
	)
	if err := row.Scan(&messageID, &env.Type, &destAccount, &env.DestDeviceID, &srcAccount, &env.SrcDeviceID, &env.Content); err != nil {
		return model.ServerEnvelope{}, err
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	destID, err := model.ParseAccountID(destAccount)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	srcID, err := model.ParseAccountID(srcAccount)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	env.ID, env.DestAccountID, env.SrcAccountID = id, destID, srcID
	return env, nil
}

func parseMessageID(s string) (model.MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return model.MessageID{}, err
	}
	return model.MessageID(u), nil
}

func (s *Store) GetMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) (model.ServerEnvelope, error) {
	row := s.db.queryRow(
		`select message_id, env_type, dest_account_id, dest_device_id, src_account_id, src_device_id, content
		 from messages where account_id = $1 and device_id = $2 and message_id = $3;`,
		addr.AccountID.String(), addr.DeviceID, id.String(),
	)
	env, err := s.scanEnvelope(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ServerEnvelope{}, errors.WithStack(samerr.ErrEnvelopeMissing)
		}
		return model.ServerEnvelope{}, errors.Wrap(err, "scan message")
	}
	return env, nil
}

func (s *Store) DeleteMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error {
	res, err := s.db.exec(
		`delete from messages where account_id = $1 and device_id = $2 and message_id = $3;`,
		addr.AccountID.String(), addr.DeviceID, id.String(),
	)
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.WithStack(samerr.ErrEnvelopeMissing)
	}
	return nil
}

func (s *Store) MessageIDs(ctx context.Context, addr model.DeviceAddress) ([]model.MessageID, error) {
	rows, err := s.db.query(
		`select message_id from messages where account_id = $1 and device_id = $2 order by seq asc;`,
		addr.AccountID.String(), addr.DeviceID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query message ids")
	}
	defer rows.Close()

	var ids []model.MessageID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan message id")
		}
		id, err := parseMessageID(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse message id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteAllMessages(ctx context.Context, addr model.DeviceAddress) error {
	_, err := s.db.exec(`delete from messages where account_id = $1 and device_id = $2;`, addr.AccountID.String(), addr.DeviceID)
	return errors.Wrap(err, "delete all messages")
}
