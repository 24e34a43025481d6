// Package redis provides a Redis-backed MessageStore, grounded in
// dexidp-dex's storage/redis package: a thin wrapper over a
// go-redis/redis/v8 client, JSON-encoding each value and keying it by a
// prefixed string. Only MessageStore is implemented here — spec §4.7's
// queue is the one component with Redis's natural shape (high churn, no
// need for relational integrity); Account/Device/Key storage is left to the
// SQL or in-memory backend, matching SPEC_FULL.md §11.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

const defaultStorageTimeout = 5 * time.Second

var _ storage.MessageStore = (*Store)(nil)

// Store is a Redis-backed MessageStore. Each device address's queue is one
// hash (message id -> JSON envelope) plus one list recording enqueue order,
// so MessageIDs can return a FIFO snapshot without a server-side sort.
type Store struct {
	db redisv8.UniversalClient
}

// New dials addr and returns a Store over it.
func New(cfg Config) (*Store, error) {
	client := redisv8.NewClient(&redisv8.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultStorageTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Store{db: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.db.Close()
}

type jsonEnvelope struct {
	ID            string `json:"id"`
	Type          uint8  `json:"type"`
	DestAccountID string `json:"destAccountId"`
	DestDeviceID  uint32 `json:"destDeviceId"`
	SrcAccountID  string `json:"srcAccountId"`
	SrcDeviceID   uint32 `json:"srcDeviceId"`
	Content       []byte `json:"content"`
}

func toJSON(env model.ServerEnvelope) jsonEnvelope {
	return jsonEnvelope{
		ID:            env.ID.String(),
		Type:          uint8(env.Type),
		DestAccountID: env.DestAccountID.String(),
		DestDeviceID:  uint32(env.DestDeviceID),
		SrcAccountID:  env.SrcAccountID.String(),
		SrcDeviceID:   uint32(env.SrcDeviceID),
		Content:       env.Content,
	}
}

func fromJSON(j jsonEnvelope) (model.ServerEnvelope, error) {
	id, err := model.ParseAccountID(j.DestAccountID)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	src, err := model.ParseAccountID(j.SrcAccountID)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	msgID, err := parseMessageID(j.ID)
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	return model.ServerEnvelope{
		ID:            msgID,
		Type:          model.EnvelopeType(j.Type),
		DestAccountID: id,
		DestDeviceID:  model.DeviceID(j.DestDeviceID),
		SrcAccountID:  src,
		SrcDeviceID:   model.DeviceID(j.SrcDeviceID),
		Content:       j.Content,
	}, nil
}

func parseMessageID(s string) (model.MessageID, error) {
	id, err := model.ParseAccountID(s) // MessageID and AccountID share the UUID textual form
	return model.MessageID(id), err
}

func hashKey(addr model.DeviceAddress) string {
	return fmt.Sprintf("msgq/%s.%d", addr.AccountID.String(), addr.DeviceID)
}

func orderKey(addr model.DeviceAddress) string {
	return fmt.Sprintf("msgorder/%s.%d", addr.AccountID.String(), addr.DeviceID)
}

func (s *Store) PushMessage(ctx context.Context, env model.ServerEnvelope) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	addr := model.DeviceAddress{AccountID: env.DestAccountID, DeviceID: env.DestDeviceID}
	payload, err := json.Marshal(toJSON(env))
	if err != nil {
		return err
	}
	if err := s.db.HSet(ctx, hashKey(addr), env.ID.String(), string(payload)).Err(); err != nil {
		return err
	}
	return s.db.RPush(ctx, orderKey(addr), env.ID.String()).Err()
}

func (s *Store) GetMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) (model.ServerEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	val, err := s.db.HGet(ctx, hashKey(addr), id.String()).Result()
	if err == redisv8.Nil {
		return model.ServerEnvelope{}, samerr.ErrEnvelopeMissing
	}
	if err != nil {
		return model.ServerEnvelope{}, err
	}
	var j jsonEnvelope
	if err := json.Unmarshal([]byte(val), &j); err != nil {
		return model.ServerEnvelope{}, err
	}
	return fromJSON(j)
}

func (s *Store) DeleteMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	n, err := s.db.HDel(ctx, hashKey(addr), id.String()).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return samerr.ErrEnvelopeMissing
	}
	return s.db.LRem(ctx, orderKey(addr), 0, id.String()).Err()
}

func (s *Store) MessageIDs(ctx context.Context, addr model.DeviceAddress) ([]model.MessageID, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	raw, err := s.db.LRange(ctx, orderKey(addr), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]model.MessageID, 0, len(raw))
	for _, r := range raw {
		id, err := parseMessageID(r)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) DeleteAllMessages(ctx context.Context, addr model.DeviceAddress) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if err := s.db.Del(ctx, hashKey(addr)).Err(); err != nil {
		return err
	}
	return s.db.Del(ctx, orderKey(addr)).Err()
}
