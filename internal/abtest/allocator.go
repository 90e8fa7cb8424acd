package abtest

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Allocator assigns prospects to variants with probability 0.5 each.
type Allocator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAllocator returns an allocator seeded with seed. A zero seed is replaced
// by one read from crypto/rand.
func NewAllocator(seed uint64) (*Allocator, error) {
	if seed == 0 {
		var err error
		if seed, err = NewSeed(); err != nil {
			return nil, err
		}
	}
	return &Allocator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}, nil
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Allocate assigns a variant to every distinct address in emails. Addresses
// are normalised, blanks skipped and duplicates collapse onto their first
// occurrence. Output follows input order.
func (a *Allocator) Allocate(emails []string) []Prospect {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(emails))
	out := make([]Prospect, 0, len(emails))
	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		v := VariantA
		if a.rng.IntN(2) == 1 {
			v = VariantB
		}
		out = append(out, Prospect{Email: email, Variant: v})
	}
	return out
}
