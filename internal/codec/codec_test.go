package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dkeye/Desk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTimeSyncEcho(t *testing.T) {
	in := domain.TimeSyncEcho{Seq: 7, T0: 100, T1: 1150, T2: 1160}
	env, err := Encode(in, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TagTimeSyncEcho, env.Tag)
	assert.True(t, env.Reliable)

	out, err := Decode(env.Tag, env.Payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode(domain.TypeTag(9999), nil)
	require.Error(t, err)

	var de *domain.EnvelopeDecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.TypeTag(9999), de.Tag)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(domain.TagJoinRoomAck, []byte{0xff, 0x00, 0x13})
	var de *domain.EnvelopeDecodeError
	assert.True(t, errors.As(err, &de))
}

func TestFrameStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	a, err := EncodeFrame(domain.JoinRoomRequest{RoomID: "r", ClientID: "c", AuthToken: "t"})
	require.NoError(t, err)
	b, err := EncodeFrame(domain.Keepalive{Seq: 3})
	require.NoError(t, err)
	buf.Write(a)
	buf.Write(b)

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, domain.TagJoinRoom, tag)
	msg, err := Decode(tag, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r"), msg.(domain.JoinRoomRequest).RoomID)

	tag, _, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, domain.TagKeepalive, tag)
}

func TestParseFrameRejectsMismatchedLength(t *testing.T) {
	f, err := AppendFrame(nil, domain.TagKeepalive, []byte{1, 2, 3})
	require.NoError(t, err)

	_, _, err = ParseFrame(f[:len(f)-1])
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, err = ParseFrame(f[:4])
	assert.ErrorIs(t, err, ErrShortFrame)

	tag, payload, err := ParseFrame(f)
	require.NoError(t, err)
	assert.Equal(t, domain.TagKeepalive, tag)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}
