package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("arbitrary payload bytes")
	framed := EncodeFrame(payload)

	got, err := ReadFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0x7F // encodes a length far beyond MaxFrameLen
	_, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
}

func TestClientMessageRoundTripWithEnvelope(t *testing.T) {
	id := model.NewMessageID()
	env := model.ClientEnvelope{
		Type:          model.EnvelopeTypeMessage,
		DestAccountID: model.NewAccountID(),
		SrcAccountID:  model.NewAccountID(),
		SrcDeviceID:   1,
		Content: map[model.DeviceID][]byte{
			1: []byte("payload-for-device-1"),
			2: []byte("payload-for-device-2"),
		},
	}

	encoded := EncodeClientMessage(model.EnvelopeTypeMessage, id, &env)
	gotType, gotID, gotEnv, err := DecodeClientMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, model.EnvelopeTypeMessage, gotType)
	require.Equal(t, id, gotID)
	require.NotNil(t, gotEnv)
	require.Equal(t, env.DestAccountID, gotEnv.DestAccountID)
	require.Equal(t, env.SrcAccountID, gotEnv.SrcAccountID)
	require.Equal(t, env.SrcDeviceID, gotEnv.SrcDeviceID)
	require.Equal(t, env.Content, gotEnv.Content)
}

func TestClientMessageRoundTripWithoutEnvelope(t *testing.T) {
	id := model.NewMessageID()
	encoded := EncodeClientMessage(model.EnvelopeTypeAck, id, nil)

	gotType, gotID, gotEnv, err := DecodeClientMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, model.EnvelopeTypeAck, gotType)
	require.Equal(t, id, gotID)
	require.Nil(t, gotEnv)
}

func TestServerMessageRoundTrip(t *testing.T) {
	id := model.NewMessageID()
	env := model.ServerEnvelope{
		ID:            model.NewMessageID(),
		Type:          model.EnvelopeTypeMessage,
		DestAccountID: model.NewAccountID(),
		DestDeviceID:  2,
		SrcAccountID:  model.NewAccountID(),
		SrcDeviceID:   1,
		Content:       []byte("opaque ciphertext"),
	}

	encoded := EncodeServerMessage(model.EnvelopeTypeMessage, id, &env)
	gotType, gotID, gotEnv, err := DecodeServerMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, model.EnvelopeTypeMessage, gotType)
	require.Equal(t, id, gotID)
	require.NotNil(t, gotEnv)
	require.Equal(t, env, *gotEnv)
}

func TestDecodeClientMessageRejectsWrongFrameType(t *testing.T) {
	encoded := EncodeServerMessage(model.EnvelopeTypeMessage, model.NewMessageID(), nil)
	_, _, _, err := DecodeClientMessage(encoded)
	require.Error(t, err)
}

func TestDecodeClientMessageRejectsTruncatedFrame(t *testing.T) {
	env := model.ClientEnvelope{DestAccountID: model.NewAccountID(), SrcAccountID: model.NewAccountID(), Content: map[model.DeviceID][]byte{1: []byte("x")}}
	encoded := EncodeClientMessage(model.EnvelopeTypeMessage, model.NewMessageID(), &env)
	_, _, _, err := DecodeClientMessage(encoded[:len(encoded)-3])
	require.Error(t, err)
}
