// Package id generates time-sortable identifiers for simulated orders.
package id

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// VirtualPrefix marks ids that never reached an exchange.
const VirtualPrefix = "virtual_"

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string; ids made in the same millisecond still sort in order.
func New() string {
	return At(time.Now())
}

// At returns a ULID stamped with t.
func At(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(t.UTC()), entropy)
	if err != nil {
		// Monotonic entropy only overflows after 2^80 ids in one millisecond.
		u = ulid.MustNew(ulid.Timestamp(t.UTC()), cryptorand.Reader)
	}
	return u.String()
}

// Virtual returns a simulated order id of the form "virtual_<ULID>".
func Virtual() string {
	return VirtualPrefix + New()
}

// IsVirtual reports whether s was produced by Virtual.
func IsVirtual(s string) bool {
	return len(s) > len(VirtualPrefix) && s[:len(VirtualPrefix)] == VirtualPrefix
}
