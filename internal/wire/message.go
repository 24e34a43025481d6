package wire

import (
	"fmt"

	"github.com/samresearch/sam-server/internal/model"
)

// FrameType tags the outermost frame as either a client- or server-bound
// message, so a single Decode entry point can dispatch correctly.
type FrameType uint8

const (
	FrameClientMessage FrameType = iota
	FrameServerMessage
)

// EncodeClientMessage serializes a ClientMessage frame: type, id, and an
// optional ClientEnvelope (present only when type == EnvelopeTypeMessage).
func EncodeClientMessage(msgType model.EnvelopeType, id model.MessageID, env *model.ClientEnvelope) []byte {
	w := &buf{}
	w.u8(uint8(FrameClientMessage))
	w.u8(uint8(msgType))
	w.uuid([16]byte(id))
	if env != nil {
		w.u8(1)
		encodeClientEnvelope(w, *env)
	} else {
		w.u8(0)
	}
	return w.b
}

// DecodeClientMessage parses a ClientMessage frame previously produced by
// EncodeClientMessage (without the outer length prefix, which ReadFrame
// already strips).
func DecodeClientMessage(payload []byte) (model.EnvelopeType, model.MessageID, *model.ClientEnvelope, error) {
	r := &reader{b: payload}
	frameType, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	if FrameType(frameType) != FrameClientMessage {
		return 0, model.MessageID{}, nil, fmt.Errorf("wire: expected client message frame, got %d", frameType)
	}
	t, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	idBytes, err := r.uuid()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	hasEnv, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	var env *model.ClientEnvelope
	if hasEnv == 1 {
		e, err := decodeClientEnvelope(r)
		if err != nil {
			return 0, model.MessageID{}, nil, err
		}
		env = &e
	}
	return model.EnvelopeType(t), model.MessageID(idBytes), env, nil
}

func encodeClientEnvelope(w *buf, env model.ClientEnvelope) {
	w.u8(uint8(env.Type))
	w.uuid(accountUUID(env.DestAccountID))
	w.uuid(accountUUID(env.SrcAccountID))
	w.u32(uint32(env.SrcDeviceID))
	w.u32(uint32(len(env.Content)))
	for deviceID, content := range env.Content {
		w.u32(uint32(deviceID))
		w.bytes(content)
	}
}

func decodeClientEnvelope(r *reader) (model.ClientEnvelope, error) {
	var env model.ClientEnvelope
	t, err := r.u8()
	if err != nil {
		return env, err
	}
	env.Type = model.EnvelopeType(t)
	destID, err := r.uuid()
	if err != nil {
		return env, err
	}
	env.DestAccountID = accountIDFromUUID(destID)
	srcID, err := r.uuid()
	if err != nil {
		return env, err
	}
	env.SrcAccountID = accountIDFromUUID(srcID)
	srcDevice, err := r.u32()
	if err != nil {
		return env, err
	}
	env.SrcDeviceID = model.DeviceID(srcDevice)
	count, err := r.u32()
	if err != nil {
		return env, err
	}
	env.Content = make(map[model.DeviceID][]byte, count)
	for i := uint32(0); i < count; i++ {
		deviceID, err := r.u32()
		if err != nil {
			return env, err
		}
		content, err := r.bytes()
		if err != nil {
			return env, err
		}
		env.Content[model.DeviceID(deviceID)] = content
	}
	return env, nil
}

// EncodeServerMessage serializes a ServerMessage frame.
func EncodeServerMessage(msgType model.EnvelopeType, id model.MessageID, env *model.ServerEnvelope) []byte {
	w := &buf{}
	w.u8(uint8(FrameServerMessage))
	w.u8(uint8(msgType))
	w.uuid([16]byte(id))
	if env != nil {
		w.u8(1)
		encodeServerEnvelope(w, *env)
	} else {
		w.u8(0)
	}
	return w.b
}

// DecodeServerMessage parses a ServerMessage frame.
func DecodeServerMessage(payload []byte) (model.EnvelopeType, model.MessageID, *model.ServerEnvelope, error) {
	r := &reader{b: payload}
	frameType, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	if FrameType(frameType) != FrameServerMessage {
		return 0, model.MessageID{}, nil, fmt.Errorf("wire: expected server message frame, got %d", frameType)
	}
	t, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	idBytes, err := r.uuid()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	hasEnv, err := r.u8()
	if err != nil {
		return 0, model.MessageID{}, nil, err
	}
	var env *model.ServerEnvelope
	if hasEnv == 1 {
		e, err := decodeServerEnvelope(r)
		if err != nil {
			return 0, model.MessageID{}, nil, err
		}
		env = &e
	}
	return model.EnvelopeType(t), model.MessageID(idBytes), env, nil
}

func encodeServerEnvelope(w *buf, env model.ServerEnvelope) {
	w.u8(uint8(env.Type))
	w.uuid(accountUUID(env.DestAccountID))
	w.u32(uint32(env.DestDeviceID))
	w.uuid(accountUUID(env.SrcAccountID))
	w.u32(uint32(env.SrcDeviceID))
	w.bytes(env.Content)
	w.uuid([16]byte(env.ID))
}

func decodeServerEnvelope(r *reader) (model.ServerEnvelope, error) {
	var env model.ServerEnvelope
	t, err := r.u8()
	if err != nil {
		return env, err
	}
	env.Type = model.EnvelopeType(t)
	destAccount, err := r.uuid()
	if err != nil {
		return env, err
	}
	env.DestAccountID = accountIDFromUUID(destAccount)
	destDevice, err := r.u32()
	if err != nil {
		return env, err
	}
	env.DestDeviceID = model.DeviceID(destDevice)
	srcAccount, err := r.uuid()
	if err != nil {
		return env, err
	}
	env.SrcAccountID = accountIDFromUUID(srcAccount)
	srcDevice, err := r.u32()
	if err != nil {
		return env, err
	}
	env.SrcDeviceID = model.DeviceID(srcDevice)
	content, err := r.bytes()
	if err != nil {
		return env, err
	}
	env.Content = content
	id, err := r.uuid()
	if err != nil {
		return env, err
	}
	env.ID = model.MessageID(id)
	return env, nil
}
