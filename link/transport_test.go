package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewOpener(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "/dev/ttyACM0", want: "serial:///dev/ttyACM0?baud=115200"},
		{url: "serial:///dev/ttyUSB0?baud=9600", want: "serial:///dev/ttyUSB0?baud=9600"},
		{url: "serial://COM3", want: "serial://COM3?baud=115200"},
		{url: "serial:///dev/ttyUSB0?baud=115200&target=2000000", want: "serial:///dev/ttyUSB0?baud=115200&target=2000000"},
		{url: "serial:///dev/ttyUSB0?target=115200", want: "serial:///dev/ttyUSB0?baud=115200"},
		{url: "tcp://192.168.1.20:7855", want: "tcp://192.168.1.20:7855"},
		{url: "", wantErr: true},
		{url: "serial://", wantErr: true},
		{url: "serial:///dev/ttyUSB0?baud=fast", wantErr: true},
		{url: "serial:///dev/ttyUSB0?baud=-1", wantErr: true},
		{url: "serial:///dev/ttyUSB0?target=0", wantErr: true},
		{url: "tcp://192.168.1.20", wantErr: true},
		{url: "udp://192.168.1.20:7855", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			opener, err := NewOpener(tt.url, time.Second)
			if tt.wantErr {
				require.Error(err)
				return
			}
			require.NoError(err)

			s, ok := opener.(interface{ String() string })
			require.True(ok)
			require.Equal(tt.want, s.String())
		})
	}
}

func TestTCPOpener(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	opener, err := NewOpener("tcp://"+ln.Addr().String(), time.Second)
	require.NoError(err)

	transport, err := opener.Open(context.Background())
	require.NoError(err)
	defer transport.Close()

	_, ok := transport.(writeDeadliner)
	require.True(ok)

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(time.Second):
		t.Fatal("dial not accepted")
	}

	ln.Close()
	_, err = opener.Open(context.Background())
	require.Error(err)
	require.True(IsTransportError(err))
}
