// Package balance tracks where a node's keys sit inside its arc and how busy
// the node is, and picks the sub-range to hand to a neighbour under load.
package balance

import (
	"math/big"
	"sort"

	"github.com/zde37/ringkv/pkg/hash"
)

// Bucket is a sub-arc (Start, End] of a node's range and the keys known to hash into it.
type Bucket struct {
	Start hash.ID
	End   hash.ID
	keys  map[string]struct{}
}

func newBucket(start, end hash.ID) *Bucket {
	return &Bucket{Start: start, End: end, keys: make(map[string]struct{})}
}

// Contains reports whether h falls in the bucket's arc.
func (b *Bucket) Contains(h hash.ID) bool {
	return hash.InRange(h, b.Start, b.End)
}

// Insert records key if its hash h belongs to the bucket.
func (b *Bucket) Insert(key string, h hash.ID) bool {
	if !b.Contains(h) {
		return false
	}
	b.keys[key] = struct{}{}
	return true
}

// Delete forgets key if its hash h belongs to the bucket.
func (b *Bucket) Delete(key string, h hash.ID) bool {
	if !b.Contains(h) {
		return false
	}
	if _, ok := b.keys[key]; !ok {
		return false
	}
	delete(b.keys, key)
	return true
}

// Size returns the number of keys.
func (b *Bucket) Size() int {
	return len(b.keys)
}

// Keys returns the bucket's keys sorted.
func (b *Bucket) Keys() []string {
	out := make([]string, 0, len(b.keys))
	for k := range b.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// createBuckets splits (start, end] into count arcs of equal width, giving
// the remainder one id at a time to the first arcs. When the arc holds fewer
// ids than count, fewer buckets are made.
func createBuckets(start, end hash.ID, count int) []*Bucket {
	width := hash.ArcWidth(start, end)
	n := big.NewInt(int64(count))
	if width.Cmp(n) < 0 {
		n.Set(width)
	}
	if n.Sign() == 0 {
		return nil
	}

	size, rem := new(big.Int).QuoRem(width, n, new(big.Int))
	remainder := int(rem.Int64())
	total := int(n.Int64())

	buckets := make([]*Bucket, 0, total)
	cur := start
	one := big.NewInt(1)
	for i := 0; i < total; i++ {
		step := new(big.Int).Set(size)
		if i < remainder {
			step.Add(step, one)
		}
		next := hash.Add(cur, step)
		buckets = append(buckets, newBucket(cur, next))
		cur = next
	}
	return buckets
}
