package tio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxRouteLen is the maximum number of hops in a route.
const MaxRouteLen = 8

// ErrRouteTooLong is returned when a route would exceed MaxRouteLen hops.
var ErrRouteTooLong = errors.New("route exceeds 8 hops")

// Route is the logical address of a device behind the physical link.
//
// The empty route addresses the device attached to the link itself, every hop selects a port
// of a routing hub. Route is comparable and can be used as a map key.
type Route struct {
	hops [MaxRouteLen]byte
	n    uint8
}

// RootRoute is the empty route.
var RootRoute = Route{}

// NewRoute creates a route from its hops.
func NewRoute(hops ...byte) (Route, error) {
	var r Route
	if len(hops) > MaxRouteLen {
		return r, ErrRouteTooLong
	}
	r.n = uint8(copy(r.hops[:], hops))

	return r, nil
}

// MustRoute is like NewRoute but panics on error.
func MustRoute(hops ...byte) Route {
	r, err := NewRoute(hops...)
	if err != nil {
		panic(err)
	}

	return r
}

// ParseRoute parses the text form produced by Route.String, e.g. "/", "/1" or "/1/3".
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "/")
	if s == "" {
		return RootRoute, nil
	}

	parts := strings.Split(s, "/")
	if len(parts) > MaxRouteLen {
		return RootRoute, ErrRouteTooLong
	}

	hops := make([]byte, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return RootRoute, fmt.Errorf("invalid route hop %q: %w", p, err)
		}
		hops = append(hops, byte(v))
	}

	return NewRoute(hops...)
}

// Len returns the number of hops.
func (r Route) Len() int {
	return int(r.n)
}

// IsRoot reports whether the route addresses the directly attached device.
func (r Route) IsRoot() bool {
	return r.n == 0
}

// Hops returns a copy of the route hops.
func (r Route) Hops() []byte {
	hops := make([]byte, r.n)
	copy(hops, r.hops[:r.n])

	return hops
}

// HasPrefix reports whether scope is a prefix of r, i.e. r addresses scope or a device below it.
func (r Route) HasPrefix(scope Route) bool {
	if scope.n > r.n {
		return false
	}

	return bytes.Equal(r.hops[:scope.n], scope.hops[:scope.n])
}

// Relative returns r expressed relative to scope.
func (r Route) Relative(scope Route) (Route, error) {
	if !r.HasPrefix(scope) {
		return RootRoute, fmt.Errorf("route %s is not below %s", r, scope)
	}

	return NewRoute(r.hops[scope.n:r.n]...)
}

// Join appends the hops of sub to r.
func (r Route) Join(sub Route) (Route, error) {
	if r.n+sub.n > MaxRouteLen {
		return RootRoute, ErrRouteTooLong
	}
	joined := r
	copy(joined.hops[r.n:], sub.hops[:sub.n])
	joined.n += sub.n

	return joined, nil
}

func (r Route) String() string {
	if r.n == 0 {
		return "/"
	}

	var sb strings.Builder
	for _, h := range r.hops[:r.n] {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(int(h)))
	}

	return sb.String()
}
