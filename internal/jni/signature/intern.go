package signature

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// Interner hands out one shared ParsedSignature per distinct descriptor.
// Many method ids usually resolve to the same few descriptors, so the parsed
// form is kept once and referenced from every cache entry.
type Interner struct {
	mu      sync.RWMutex
	buckets map[uint64][]*ParsedSignature
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	return &Interner{buckets: make(map[uint64][]*ParsedSignature)}
}

// Intern returns the shared parse of descriptor, parsing it on first use.
// Malformed descriptors are not cached.
func (in *Interner) Intern(descriptor string) (*ParsedSignature, error) {
	h := xxh3.HashString(descriptor)

	in.mu.RLock()
	sig := lookup(in.buckets[h], descriptor)
	in.mu.RUnlock()
	if sig != nil {
		return sig, nil
	}

	parsed, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	// Another caller may have won the race.
	if sig := lookup(in.buckets[h], descriptor); sig != nil {
		return sig, nil
	}
	in.buckets[h] = append(in.buckets[h], parsed)
	return parsed, nil
}

// Len returns the number of distinct descriptors held.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()

	n := 0
	for _, b := range in.buckets {
		n += len(b)
	}
	return n
}

func lookup(bucket []*ParsedSignature, descriptor string) *ParsedSignature {
	for _, s := range bucket {
		if s.Descriptor == descriptor {
			return s
		}
	}
	return nil
}
