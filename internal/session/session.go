// Package session implements the Authenticated Session state machine (spec
// §4.8): Connecting -> Authenticated -> Running -> Draining -> Closed, with
// a terminal Rejected state, grounded in original_source's
// logic/websocket.rs and routes/websocket.rs.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/router"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/wire"
)

// State is a session's position in the state machine of spec §4.8.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRunning
	StateDraining
	StateClosed
	StateRejected
)

// closeInternalError is the close-frame code used when the Sender hits an
// unrecoverable write error (spec §4.8's "internal-error code").
const closeInternalError = 1011

// closeProtocolError is used when the Receiver cannot decode a frame
// (spec §7's "code 1002-class").
const closeProtocolError = 1002

// Session drives one connected client's framed, bidirectional channel.
type Session struct {
	Addr   model.DeviceAddress
	Router *router.Router
	Conn   *websocket.Conn
	Logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New constructs a Session for an already-authenticated addr. Authentication
// itself (basic auth against the stores) happens at the HTTP layer before
// the connection is upgraded; by the time a Session exists it is already
// past Connecting.
func New(addr model.DeviceAddress, r *router.Router, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{Addr: addr, Router: r, Conn: conn, Logger: logger, state: StateAuthenticated}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run subscribes to the Message Router and drives the three cooperating
// tasks (Receiver, Dispatcher, Sender) until the context is cancelled or the
// connection closes. Run guarantees that Unsubscribe has executed before it
// returns, regardless of which task ended the session first.
func (s *Session) Run(ctx context.Context) error {
	notifications, err := s.Router.Subscribe(s.Addr)
	if err != nil {
		s.setState(StateRejected)
		return err
	}
	s.setState(StateRunning)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.setState(StateDraining)
		s.Router.Unsubscribe(s.Addr)
		s.setState(StateClosed)
	}()

	// The Receiver blocks in Conn.ReadMessage with no way to observe ctx
	// directly; closing the conn once any task ends the session is what
	// actually unblocks it, so Run can return within one outstanding
	// operation rather than hanging in wg.Wait forever.
	go func() {
		<-ctx.Done()
		_ = s.Conn.Close()
	}()

	outbound := make(chan []byte, router.SubscriptionCapacity)

	var wg sync.WaitGroup
	wg.Add(3)

	var recvErr, dispatchErr, sendErr error

	go func() {
		defer wg.Done()
		defer cancel()
		recvErr = s.receive(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		dispatchErr = s.dispatch(ctx, notifications, outbound)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		sendErr = s.send(ctx, outbound)
	}()

	wg.Wait()

	if recvErr != nil {
		return recvErr
	}
	if dispatchErr != nil {
		return dispatchErr
	}
	return sendErr
}

// receive is the Receiver task: reads binary frames and decodes
// ClientMessages, acking or fanning out envelopes via the Router. A decode
// error terminates the session with a protocol-error close frame.
func (s *Session) receive(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, payload, err := s.Conn.ReadMessage()
		if err != nil {
			return nil // transport close; not a protocol error
		}
		msgType, id, env, err := wire.DecodeClientMessage(payload)
		if err != nil {
			s.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeProtocolError, "protocol error"),
				time.Now().Add(time.Second))
			return samerr.ErrProtocolError
		}

		switch msgType {
		case model.EnvelopeTypeAck:
			if err := s.Router.Ack(ctx, s.Addr, id); err != nil && s.Logger != nil {
				s.Logger.Warn("ack failed", "error", err, "message_id", id.String())
			}
		case model.EnvelopeTypeMessage:
			if env == nil {
				continue
			}
			if failures := s.Router.DeliverClientEnvelope(ctx, *env); failures != nil && s.Logger != nil {
				s.Logger.Warn("partial delivery failure", "failures", len(failures))
			}
		}
	}
}

// dispatch is the Dispatcher task: awaits notifications from the
// subscription channel, fetches the corresponding envelope, and hands its
// encoded frame to the Sender via outbound.
func (s *Session) dispatch(ctx context.Context, notifications <-chan model.MessageID, outbound chan<- []byte) error {
	// Resync at session start per spec §4.7's backpressure recovery.
	if err := s.resync(ctx, outbound); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-notifications:
			if !ok {
				return nil
			}
			env, err := s.Router.Fetch(ctx, s.Addr, id)
			if err != nil {
				if s.Logger != nil {
					s.Logger.Warn("dispatch fetch failed, resyncing", "error", err)
				}
				if err := s.resync(ctx, outbound); err != nil {
					return err
				}
				continue
			}
			frame := wire.EncodeServerMessage(model.EnvelopeTypeMessage, env.ID, &env)
			select {
			case outbound <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// resync snapshots the queue via IDs and re-dispatches every envelope.
// dispatch runs it when the session starts and after a failed fetch; a
// notification dropped on subscription-channel overflow is not detected, so
// the envelope it named reaches a running session only at a later resync.
func (s *Session) resync(ctx context.Context, outbound chan<- []byte) error {
	ids, err := s.Router.IDs(ctx, s.Addr)
	if err != nil {
		return nil
	}
	for _, id := range ids {
		env, err := s.Router.Fetch(ctx, s.Addr, id)
		if err != nil {
			continue
		}
		frame := wire.EncodeServerMessage(model.EnvelopeTypeMessage, env.ID, &env)
		select {
		case outbound <- frame:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// send is the Sender task: writes framed ServerMessages. On an unrecoverable
// write error it transmits an internal-error close frame.
func (s *Session) send(ctx context.Context, outbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-outbound:
			if !ok {
				return nil
			}
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.Conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeInternalError, "internal error"),
					time.Now().Add(time.Second))
				return err
			}
		}
	}
}
