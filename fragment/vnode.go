package fragment

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// VNodeCount is the number of virtual hash partitions
const VNodeCount = 256

// Bitmap is a set of vnodes
type Bitmap [VNodeCount / 64]uint64

// Set adds vnode v
func (b *Bitmap) Set(v int) { b[v/64] |= 1 << (v % 64) }

// Has reports whether v is in the set
func (b *Bitmap) Has(v int) bool { return b[v/64]&(1<<(v%64)) != 0 }

// Count returns the number of vnodes in the set
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// VNodeOf maps a distribution key to its vnode
func VNodeOf(key []byte) int {
	return int(xxhash.Sum64(key) % VNodeCount)
}

// splitVNodes spreads the vnodes over n actors in contiguous ranges whose
// sizes differ by at most one
func splitVNodes(n int) []*Bitmap {
	out := make([]*Bitmap, n)
	base, extra := VNodeCount/n, VNodeCount%n
	v := 0
	for i := 0; i < n; i++ {
		out[i] = &Bitmap{}
		size := base
		if i < extra {
			size++
		}
		for k := 0; k < size; k++ {
			out[i].Set(v)
			v++
		}
	}
	return out
}

// ActorForKey returns the actor of a hash-distributed fragment that owns key
func (j *Job) ActorForKey(fragmentID uint64, key []byte) (uint64, bool) {
	f, ok := j.Fragment(fragmentID)
	if !ok {
		return 0, false
	}
	v := VNodeOf(key)
	for _, actorID := range f.ActorIDs {
		a := j.Actors[actorID]
		if a.VNodes == nil || a.VNodes.Has(v) {
			return actorID, true
		}
	}
	return 0, false
}
