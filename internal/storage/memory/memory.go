// Package memory provides in-memory implementations of the SAM storage
// contracts, grounded in dexidp-dex's storage/memory package: a single
// mutex-guarded struct holding plain maps, with a tx helper serializing all
// mutation.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

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

type usedToken struct {
	issuedAt time.Time
}

type deviceKeys struct {
	oneTimePreKeys   []model.PreKey
	oneTimePqKeys    []model.SignedKey
	signedPreKey     *model.SignedKey
	lastResortPqKey  *model.SignedKey
}

// Store is an in-memory backend satisfying all four SAM storage interfaces
// at once, mirroring dexidp-dex's single memStorage implementing its single
// Storage interface.
type Store struct {
	mu sync.RWMutex

	accounts    map[model.AccountID]model.Account
	usedTokens  map[string]usedToken
	devices     map[model.DeviceAddress]model.Device
	accountDevs map[model.AccountID]map[model.DeviceID]struct{}
	keys        map[model.DeviceAddress]*deviceKeys
	messages    map[model.DeviceAddress]map[model.MessageID]model.ServerEnvelope
	msgOrder    map[model.DeviceAddress][]model.MessageID

	logger *slog.Logger
}

// New returns a fresh in-memory Store.
func New(logger *slog.Logger) *Store {
	return &Store{
		accounts:    make(map[model.AccountID]model.Account),
		usedTokens:  make(map[string]usedToken),
		devices:     make(map[model.DeviceAddress]model.Device),
		accountDevs: make(map[model.AccountID]map[model.DeviceID]struct{}),
		keys:        make(map[model.DeviceAddress]*deviceKeys),
		messages:    make(map[model.DeviceAddress]map[model.MessageID]model.ServerEnvelope),
		msgOrder:    make(map[model.DeviceAddress][]model.MessageID),
		logger:      logger,
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) rtx(f func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f()
}

// --- AccountStore ---

func (s *Store) AddAccount(ctx context.Context, account model.Account) error {
	var err error
	s.tx(func() {
		if _, ok := s.accounts[account.ID]; ok {
			err = errors.WithStack(samerr.ErrAccountExists)
			return
		}
		s.accounts[account.ID] = account
		s.accountDevs[account.ID] = make(map[model.DeviceID]struct{})
	})
	return err
}

func (s *Store) GetAccount(ctx context.Context, id model.AccountID) (model.Account, error) {
	var (
		a   model.Account
		err error
	)
	s.rtx(func() {
		got, ok := s.accounts[id]
		if !ok {
			err = errors.WithStack(samerr.ErrAccountNotFound)
			return
		}
		a = got
	})
	return a, err
}

func (s *Store) DeleteAccount(ctx context.Context, id model.AccountID) error {
	var err error
	s.tx(func() {
		if _, ok := s.accounts[id]; !ok {
			err = errors.WithStack(samerr.ErrAccountNotFound)
			return
		}
		delete(s.accounts, id)
		delete(s.accountDevs, id)
	})
	return err
}

func (s *Store) AddUsedLinkToken(ctx context.Context, tokenID string, issuedAt time.Time) error {
	var err error
	s.tx(func() {
		if _, ok := s.usedTokens[tokenID]; ok {
			err = errors.WithStack(samerr.ErrLinkTokenReused)
			return
		}
		s.usedTokens[tokenID] = usedToken{issuedAt: issuedAt}
	})
	return err
}

func (s *Store) GC(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	s.tx(func() {
		for id, t := range s.usedTokens {
			if now.Sub(t.issuedAt) > 600*time.Second {
				delete(s.usedTokens, id)
				n++
			}
		}
	})
	return n, nil
}

// --- DeviceStore ---

func (s *Store) AddDevice(ctx context.Context, device model.Device) error {
	var err error
	s.tx(func() {
		addr := model.DeviceAddress{AccountID: device.AccountID, DeviceID: device.ID}
		if _, ok := s.devices[addr]; ok {
			err = errors.WithStack(samerr.ErrDeviceExists)
			return
		}
		s.devices[addr] = device
		if s.accountDevs[device.AccountID] == nil {
			s.accountDevs[device.AccountID] = make(map[model.DeviceID]struct{})
		}
		s.accountDevs[device.AccountID][device.ID] = struct{}{}
	})
	return err
}

func (s *Store) GetDevice(ctx context.Context, addr model.DeviceAddress) (model.Device, error) {
	var (
		d   model.Device
		err error
	)
	s.rtx(func() {
		got, ok := s.devices[addr]
		if !ok {
			err = errors.WithStack(samerr.ErrDeviceNotFound)
			return
		}
		d = got
	})
	return d, err
}

func (s *Store) GetAllDevices(ctx context.Context, accountID model.AccountID) ([]model.Device, error) {
	var devs []model.Device
	s.rtx(func() {
		ids := make([]model.DeviceID, 0, len(s.accountDevs[accountID]))
		for id := range s.accountDevs[accountID] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			devs = append(devs, s.devices[model.DeviceAddress{AccountID: accountID, DeviceID: id}])
		}
	})
	return devs, nil
}

func (s *Store) DeleteDevice(ctx context.Context, addr model.DeviceAddress) error {
	var err error
	s.tx(func() {
		if _, ok := s.devices[addr]; !ok {
			err = errors.WithStack(samerr.ErrDeviceNotFound)
			return
		}
		delete(s.devices, addr)
		delete(s.accountDevs[addr.AccountID], addr.DeviceID)
	})
	return err
}

// --- KeyStore ---

func (s *Store) keysFor(addr model.DeviceAddress) *deviceKeys {
	k, ok := s.keys[addr]
	if !ok {
		k = &deviceKeys{}
		s.keys[addr] = k
	}
	return k
}

func (s *Store) AddOneTimePreKeys(ctx context.Context, keys []model.PreKey) error {
	s.tx(func() {
		for _, k := range keys {
			addr := model.DeviceAddress{AccountID: k.AccountID, DeviceID: k.DeviceID}
			dk := s.keysFor(addr)
			dk.oneTimePreKeys = append(dk.oneTimePreKeys, k)
		}
	})
	return nil
}

func (s *Store) PopOneTimePreKey(ctx context.Context, addr model.DeviceAddress) (*model.PreKey, error) {
	var out *model.PreKey
	s.tx(func() {
		dk, ok := s.keys[addr]
		if !ok || len(dk.oneTimePreKeys) == 0 {
			return
		}
		k := dk.oneTimePreKeys[0]
		dk.oneTimePreKeys = dk.oneTimePreKeys[1:]
		out = &k
	})
	return out, nil
}

func (s *Store) AddOneTimePqPreKeys(ctx context.Context, keys []model.SignedKey) error {
	s.tx(func() {
		for _, k := range keys {
			addr := model.DeviceAddress{AccountID: k.AccountID, DeviceID: k.DeviceID}
			dk := s.keysFor(addr)
			dk.oneTimePqKeys = append(dk.oneTimePqKeys, k)
		}
	})
	return nil
}

func (s *Store) PopOneTimePqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	var out *model.SignedKey
	s.tx(func() {
		dk, ok := s.keys[addr]
		if !ok || len(dk.oneTimePqKeys) == 0 {
			return
		}
		k := dk.oneTimePqKeys[0]
		dk.oneTimePqKeys = dk.oneTimePqKeys[1:]
		out = &k
	})
	return out, nil
}

func (s *Store) SetSignedPreKey(ctx context.Context, key model.SignedKey) error {
	s.tx(func() {
		addr := model.DeviceAddress{AccountID: key.AccountID, DeviceID: key.DeviceID}
		dk := s.keysFor(addr)
		k := key
		dk.signedPreKey = &k
	})
	return nil
}

func (s *Store) GetSignedPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	var out *model.SignedKey
	s.rtx(func() {
		if dk, ok := s.keys[addr]; ok {
			out = dk.signedPreKey
		}
	})
	return out, nil
}

func (s *Store) SetLastResortPqPreKey(ctx context.Context, key model.SignedKey) error {
	s.tx(func() {
		addr := model.DeviceAddress{AccountID: key.AccountID, DeviceID: key.DeviceID}
		dk := s.keysFor(addr)
		k := key
		dk.lastResortPqKey = &k
	})
	return nil
}

func (s *Store) GetLastResortPqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error) {
	var out *model.SignedKey
	s.rtx(func() {
		if dk, ok := s.keys[addr]; ok {
			out = dk.lastResortPqKey
		}
	})
	return out, nil
}

func (s *Store) DeleteDeviceKeys(ctx context.Context, addr model.DeviceAddress) error {
	s.tx(func() {
		delete(s.keys, addr)
	})
	return nil
}

// --- MessageStore ---

func (s *Store) PushMessage(ctx context.Context, env model.ServerEnvelope) error {
	s.tx(func() {
		addr := model.DeviceAddress{AccountID: env.DestAccountID, DeviceID: env.DestDeviceID}
		if s.messages[addr] == nil {
			s.messages[addr] = make(map[model.MessageID]model.ServerEnvelope)
		}
		s.messages[addr][env.ID] = env
		s.msgOrder[addr] = append(s.msgOrder[addr], env.ID)
	})
	return nil
}

func (s *Store) GetMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) (model.ServerEnvelope, error) {
	var (
		env model.ServerEnvelope
		err error
	)
	s.rtx(func() {
		q, ok := s.messages[addr]
		if !ok {
			err = errors.WithStack(samerr.ErrEnvelopeMissing)
			return
		}
		e, ok := q[id]
		if !ok {
			err = errors.WithStack(samerr.ErrEnvelopeMissing)
			return
		}
		env = e
	})
	return env, err
}

func (s *Store) DeleteMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error {
	var err error
	s.tx(func() {
		q, ok := s.messages[addr]
		if !ok {
			err = errors.WithStack(samerr.ErrEnvelopeMissing)
			return
		}
		if _, ok := q[id]; !ok {
			err = errors.WithStack(samerr.ErrEnvelopeMissing)
			return
		}
		delete(q, id)
		order := s.msgOrder[addr]
		for i, mid := range order {
			if mid == id {
				s.msgOrder[addr] = append(order[:i], order[i+1:]...)
				break
			}
		}
	})
	return err
}

func (s *Store) MessageIDs(ctx context.Context, addr model.DeviceAddress) ([]model.MessageID, error) {
	var ids []model.MessageID
	s.rtx(func() {
		ids = append(ids, s.msgOrder[addr]...)
	})
	return ids, nil
}

func (s *Store) DeleteAllMessages(ctx context.Context, addr model.DeviceAddress) error {
	s.tx(func() {
		delete(s.messages, addr)
		delete(s.msgOrder, addr)
	})
	return nil
}
