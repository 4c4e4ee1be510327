package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// tokenGenerator hands out wire correlation tokens.
//
// It starts at a random value so that tokens of a restarted proxy do not collide with responses
// still in flight from the device, then increments atomically. Zero is never returned.
type tokenGenerator struct {
	id atomic.Uint32
}

func newTokenGenerator() *tokenGenerator {
	gen := &tokenGenerator{}

	var buf [2]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return gen
	}
	gen.id.Store(uint32(binary.LittleEndian.Uint16(buf[:])))

	return gen
}

func (g *tokenGenerator) next() uint16 {
	for {
		if token := uint16(g.id.Add(1)); token != 0 { //nolint:gosec // truncation intended
			return token
		}
	}
}
