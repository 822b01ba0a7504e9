package balance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/zde37/ringkv/pkg/hash"
)

var (
	// ErrNoOffloadRange is returned when no proper sub-range can be handed off.
	ErrNoOffloadRange = errors.New("no offload range")

	// ErrInvalidThreshold is returned for an offload threshold outside 0..50.
	ErrInvalidThreshold = errors.New("offload threshold must be between 0 and 50")

	// ErrInvalidBucketCount is returned for a bucket count below one.
	ErrInvalidBucketCount = errors.New("bucket count must be positive")
)

const histogramPrefix = 3

// Offload is an arc cut from the edge of a node's range and the keys known to be in it.
type Offload struct {
	Start hash.ID
	End   hash.ID
	Keys  []string
}

// BucketInfo is a read-only view of one bucket.
type BucketInfo struct {
	Start hash.ID `json:"start"`
	End   hash.ID `json:"end"`
	Keys  int     `json:"keys"`
}

// FrequencyTable partitions a node's arc into buckets and counts the keys in
// each. Keys outside the current arc, such as those received from a
// neighbour before the coordinator confirms the new boundary, are held as
// pending and placed once a rebuild covers them.
type FrequencyTable struct {
	mu        sync.Mutex
	requested int
	threshold int
	buckets   []*Bucket
	pending   map[string]struct{}
}

// NewFrequencyTable creates an empty table.
func NewFrequencyTable(buckets, threshold int) (*FrequencyTable, error) {
	if buckets < 1 {
		return nil, ErrInvalidBucketCount
	}
	if threshold < 0 || threshold > 50 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	return &FrequencyTable{
		requested: buckets,
		threshold: threshold,
		pending:   make(map[string]struct{}),
	}, nil
}

// Update fits the table to the arc (start, end]. The buckets are rebuilt
// only when the arc or the bucket count changed; known keys are replayed
// into the new buckets.
func (ft *FrequencyTable) Update(start, end hash.ID) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.buckets) > 0 &&
		ft.buckets[0].Start == start &&
		ft.buckets[len(ft.buckets)-1].End == end &&
		len(ft.buckets) >= effectiveCount(start, end, ft.requested) {
		return
	}

	ft.rebuildLocked(start, end)
}

// SetBucketCount changes the requested count and rebuilds existing buckets.
func (ft *FrequencyTable) SetBucketCount(n int) error {
	if n < 1 {
		return ErrInvalidBucketCount
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if n != ft.requested && len(ft.buckets) > 0 {
		start, end := ft.buckets[0].Start, ft.buckets[len(ft.buckets)-1].End
		ft.requested = n
		ft.rebuildLocked(start, end)
		return nil
	}
	ft.requested = n
	return nil
}

// Add records key. Keys outside every bucket are kept pending.
func (ft *FrequencyTable) Add(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if !ft.place(key, hash.Key(key)) {
		ft.pending[key] = struct{}{}
	}
}

// Remove forgets key.
func (ft *FrequencyTable) Remove(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	h := hash.Key(key)
	for _, b := range ft.buckets {
		if b.Delete(key, h) {
			break
		}
	}
	delete(ft.pending, key)
}

// Total returns the number of keys placed in buckets.
func (ft *FrequencyTable) Total() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.totalLocked()
}

// Pending returns the number of keys waiting for a covering arc.
func (ft *FrequencyTable) Pending() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.pending)
}

// Buckets returns a snapshot of the buckets in arc order.
func (ft *FrequencyTable) Buckets() []BucketInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	out := make([]BucketInfo, len(ft.buckets))
	for i, b := range ft.buckets {
		out[i] = BucketInfo{Start: b.Start, End: b.End, Keys: b.Size()}
	}
	return out
}

// CalculateOffloadKeyRange walks buckets inward from one edge of the arc,
// from the lower boundary when lower is set and from the upper one
// otherwise, until the walked buckets hold at least threshold percent of
// all keys. The walked buckets are removed and their combined arc returned.
// If the walk would take every bucket, ErrNoOffloadRange is returned and the
// table is left unchanged.
func (ft *FrequencyTable) CalculateOffloadKeyRange(lower bool) (Offload, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	n := len(ft.buckets)
	if n == 0 {
		return Offload{}, ErrNoOffloadRange
	}
	total := ft.totalLocked()

	var (
		from, to   int
		cumulative int
	)
	if lower {
		idx := 0
		for _, b := range ft.buckets {
			cumulative += b.Size()
			if ft.reached(cumulative, total) {
				break
			}
			if idx < n-1 {
				idx++
			}
		}
		if idx == n-1 {
			return Offload{}, ErrNoOffloadRange
		}
		from, to = 0, idx
	} else {
		idx := n - 1
		for j := n - 1; j >= 0; j-- {
			cumulative += ft.buckets[j].Size()
			if ft.reached(cumulative, total) {
				break
			}
			if idx > 0 {
				idx--
			}
		}
		if idx == 0 {
			return Offload{}, ErrNoOffloadRange
		}
		from, to = idx, n-1
	}

	off := Offload{Start: ft.buckets[from].Start, End: ft.buckets[to].End}
	for _, b := range ft.buckets[from : to+1] {
		off.Keys = append(off.Keys, b.Keys()...)
	}
	sort.Strings(off.Keys)

	remaining := make([]*Bucket, 0, n-(to-from+1))
	remaining = append(remaining, ft.buckets[:from]...)
	remaining = append(remaining, ft.buckets[to+1:]...)
	ft.buckets = remaining

	return off, nil
}

// String renders one histogram line per bucket, separated by " | ".
func (ft *FrequencyTable) String() string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.buckets) == 0 {
		return "No Buckets present."
	}

	total := ft.totalLocked()
	lines := make([]string, 0, len(ft.buckets))
	for _, b := range ft.buckets {
		pct := percentage(b.Size(), total)
		bar := strings.Repeat("#", int(math.Round(pct)))
		if bar != "" {
			bar += " "
		}
		lines = append(lines, fmt.Sprintf("%s to %s : %s%.2f%%",
			b.Start.Short(histogramPrefix), b.End.Short(histogramPrefix), bar, pct))
	}
	return strings.Join(lines, " | ")
}

func (ft *FrequencyTable) place(key string, h hash.ID) bool {
	for _, b := range ft.buckets {
		if b.Insert(key, h) {
			return true
		}
	}
	return false
}

func (ft *FrequencyTable) rebuildLocked(start, end hash.ID) {
	bucketed := ft.buckets
	pending := ft.pending

	ft.buckets = createBuckets(start, end, ft.requested)
	ft.pending = make(map[string]struct{})

	// bucketed keys that fall outside the new arc belong to another node now
	for _, b := range bucketed {
		for k := range b.keys {
			ft.place(k, hash.Key(k))
		}
	}
	for k := range pending {
		if !ft.place(k, hash.Key(k)) {
			ft.pending[k] = struct{}{}
		}
	}
}

func (ft *FrequencyTable) totalLocked() int {
	total := 0
	for _, b := range ft.buckets {
		total += b.Size()
	}
	return total
}

func (ft *FrequencyTable) reached(cumulative, total int) bool {
	return percentage(cumulative, total) >= float64(ft.threshold)
}

func percentage(part, total int) float64 {
	if part == 0 || total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func effectiveCount(start, end hash.ID, requested int) int {
	width := hash.ArcWidth(start, end)
	if width.IsInt64() && width.Int64() < int64(requested) {
		return int(width.Int64())
	}
	return requested
}
