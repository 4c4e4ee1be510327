package pool

import (
	"testing"

	"github.com/arloliu/go-tio/tio"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	require := require.New(t)

	pkt := tio.NewHeartbeat(tio.MustRoute(2), []byte{1, 2, 3})
	b, err := EncodeFrame(pkt)
	require.NoError(err)

	want, err := tio.Encode(pkt)
	require.NoError(err)
	require.Equal(want, *b)
	PutFrameBuffer(b)

	b = GetFrameBuffer()
	require.Empty(*b)
	require.GreaterOrEqual(cap(*b), tio.MaxFrameSize)
	PutFrameBuffer(b)

	_, err = EncodeFrame(tio.Packet{Type: tio.TypeHeartbeat, Payload: make([]byte, tio.MaxPayloadSize+1)})
	require.Error(err)
}
