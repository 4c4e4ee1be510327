package proxy

import (
	"testing"

	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
	"github.com/stretchr/testify/require"
)

func TestDistributor_Broadcast(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	var metrics Metrics
	d := NewDistributor(r, &metrics, logger.NewNopMockLogger())

	a, b, other := &recordSink{name: "a"}, &recordSink{name: "b"}, &recordSink{name: "other"}
	require.NoError(r.Subscribe(r.Register(a), tio.RootRoute, tio.FilterAll))
	require.NoError(r.Subscribe(r.Register(b), tio.RootRoute, tio.FilterStream))
	require.NoError(r.Subscribe(r.Register(other), tio.MustRoute(9), tio.FilterAll))

	pkt := tio.NewStreamData(tio.MustRoute(1), 2, []byte{1, 2, 3, 4})
	require.Equal(2, d.Broadcast(pkt))
	require.Equal(1, d.Broadcast(tio.NewHeartbeat(tio.RootRoute, nil)))
	require.Equal(0, d.Broadcast(tio.Packet{Type: tio.TypeMetadata, Route: tio.MustRoute(3)}))

	require.Len(a.Data(), 2)
	require.Len(b.Data(), 1)
	require.Empty(other.Data())
	require.Empty(a.Control())

	snap := metrics.Snapshot()
	require.Equal(uint64(3), snap.BroadcastCount)
	require.Equal(uint64(1), snap.UndeliveredCount)

	t.Run("Private Copies", func(t *testing.T) {
		fromA := a.Data()[0]
		fromB := b.Data()[0]
		require.Equal(pkt.Payload, fromA.Payload)
		require.Equal(pkt.Payload, fromB.Payload)

		fromA.Payload[0] = 0xFF
		require.Equal(byte(1), fromB.Payload[0])
		require.Equal(byte(1), pkt.Payload[0])
	})

	t.Run("Subscription Changes", func(t *testing.T) {
		ids := r.Clients()
		require.NoError(r.ClearSubscriptions(ids[0]))
		r.Unregister(ids[1])

		require.Equal(0, d.Broadcast(pkt))
		require.Len(a.Data(), 2)
		require.Len(b.Data(), 1)
	})
}
