package pool

import (
	"sync"

	"github.com/arloliu/go-tio/tio"
)

var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, tio.MaxFrameSize)
		return &b
	},
}

// GetFrameBuffer returns an empty buffer able to hold any encoded frame.
func GetFrameBuffer() *[]byte {
	b, _ := framePool.Get().(*[]byte)
	*b = (*b)[:0]

	return b
}

// PutFrameBuffer returns b to the pool. Buffers grown past one frame are dropped.
func PutFrameBuffer(b *[]byte) {
	if cap(*b) > tio.MaxFrameSize {
		return
	}
	framePool.Put(b)
}

// EncodeFrame encodes pkt into a pooled buffer. The caller returns the buffer with
// PutFrameBuffer once the frame is written.
func EncodeFrame(pkt tio.Packet) (*[]byte, error) {
	b := GetFrameBuffer()
	frame, err := tio.AppendEncode(*b, pkt)
	if err != nil {
		PutFrameBuffer(b)
		return nil, err
	}
	*b = frame

	return b, nil
}
