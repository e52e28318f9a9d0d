// Package randutil derives reproducible random sources from integer seeds.
package randutil

import rand "math/rand/v2"

const (
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// New returns a *rand.Rand seeded deterministically from seed. Every room,
// lobby shuffle and table draw in a server run traces back to one call.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

// Derive returns an independent generator seeded from parent. Rooms derive
// their own generator so that table draws in one room do not depend on
// message timing in another.
func Derive(parent *rand.Rand) *rand.Rand {
	return rand.New(rand.NewPCG(mix(parent.Uint64()), mix(parent.Uint64())))
}

// Reader adapts r to an io.Reader producing pseudo-random bytes.
type Reader struct {
	R *rand.Rand
}

func (r Reader) Read(p []byte) (int, error) {
	for i := 0; i < len(p); i += 8 {
		v := r.R.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
