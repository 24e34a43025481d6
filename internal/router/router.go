// Package router implements the Message Router (spec §4.7): a durable
// per-device queue backed by a MessageStore, plus a bounded live
// subscription channel used to wake an Authenticated Session. Grounded in
// original_source's managers/in_memory/message.rs.
package router

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

// SubscriptionCapacity is the bounded channel size suggested by spec §4.7.
const SubscriptionCapacity = 8

// Router enqueues envelopes, tracks per-device subscriptions, and serves
// client ack/fetch/delete operations.
type Router struct {
	Devices  storage.DeviceStore
	Messages storage.MessageStore

	mu   sync.Mutex
	subs map[model.DeviceAddress]chan model.MessageID
}

// New constructs a Router over the given stores.
func New(devices storage.DeviceStore, messages storage.MessageStore) *Router {
	return &Router{
		Devices:  devices,
		Messages: messages,
		subs:     make(map[model.DeviceAddress]chan model.MessageID),
	}
}

// Enqueue requires the destination device to exist, then appends the
// envelope to its queue. If a subscription exists and has capacity, the
// MessageID is pushed for immediate dispatch; on overflow the notification
// is dropped silently; the envelope stays queued and reaches the subscribed
// session at that session's next IDs resync.
func (r *Router) Enqueue(ctx context.Context, env model.ServerEnvelope) error {
	addr := model.DeviceAddress{AccountID: env.DestAccountID, DeviceID: env.DestDeviceID}
	if _, err := r.Devices.GetDevice(ctx, addr); err != nil {
		return errors.WithStack(samerr.ErrUnknownRecipient)
	}
	if env.ID == (model.MessageID{}) {
		env.ID = model.NewMessageID()
	}
	if err := r.Messages.PushMessage(ctx, env); err != nil {
		return errors.Wrap(err, "push message")
	}

	r.mu.Lock()
	ch := r.subs[addr]
	r.mu.Unlock()
	if ch != nil {
		select {
		case ch <- env.ID:
		default:
		}
	}
	return nil
}

// Subscribe installs a bounded notification channel for addr. Fails with
// samerr.ErrSessionConflict if addr is already subscribed.
func (r *Router) Subscribe(addr model.DeviceAddress) (<-chan model.MessageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[addr]; ok {
		return nil, errors.WithStack(samerr.ErrSessionConflict)
	}
	ch := make(chan model.MessageID, SubscriptionCapacity)
	r.subs[addr] = ch
	return ch, nil
}

// Unsubscribe clears addr's subscription. Idempotent.
func (r *Router) Unsubscribe(addr model.DeviceAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[addr]; ok {
		close(ch)
		delete(r.subs, addr)
	}
}

// Fetch reads one queued envelope.
func (r *Router) Fetch(ctx context.Context, addr model.DeviceAddress, id model.MessageID) (model.ServerEnvelope, error) {
	return r.Messages.GetMessage(ctx, addr, id)
}

// Delete removes one queued envelope (ack-driven deletion).
func (r *Router) Delete(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error {
	return r.Messages.DeleteMessage(ctx, addr, id)
}

// IDs snapshots the current queue contents, used both for a simple listing
// and for resynchronizing a session after a dropped notification.
func (r *Router) IDs(ctx context.Context, addr model.DeviceAddress) ([]model.MessageID, error) {
	return r.Messages.MessageIDs(ctx, addr)
}

// DeliverClientEnvelope fans out a ClientEnvelope as one enqueue per
// destination device listed in its Content map (acks are handled by Ack).
// Partial fan-out failures are reported but do not roll back successful
// enqueues, per spec §4.7.
func (r *Router) DeliverClientEnvelope(ctx context.Context, env model.ClientEnvelope) map[model.DeviceID]error {
	failures := make(map[model.DeviceID]error)
	for destDeviceID, content := range env.Content {
		out := model.ServerEnvelope{
			ID:            model.NewMessageID(),
			Type:          env.Type,
			DestAccountID: env.DestAccountID,
			DestDeviceID:  destDeviceID,
			SrcAccountID:  env.SrcAccountID,
			SrcDeviceID:   env.SrcDeviceID,
			Content:       content,
		}
		if err := r.Enqueue(ctx, out); err != nil {
			failures[destDeviceID] = err
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return failures
}

// Ack deletes the given message from the acking device's own queue.
func (r *Router) Ack(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error {
	return r.Delete(ctx, addr, id)
}
