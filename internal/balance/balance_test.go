package balance

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/pkg/hash"
)

func id(prefix string) hash.ID {
	return hash.MustParse(prefix + strings.Repeat("0", hash.Width-len(prefix)))
}

func assertSpans(t *testing.T, buckets []*Bucket, start, end hash.ID) {
	t.Helper()
	require.NotEmpty(t, buckets)
	assert.Equal(t, start, buckets[0].Start)
	assert.Equal(t, end, buckets[len(buckets)-1].End)

	total := new(big.Int)
	for i, b := range buckets {
		if i > 0 {
			assert.Equal(t, buckets[i-1].End, b.Start, "bucket %d must start where the previous ends", i)
		}
		total.Add(total, hash.ArcWidth(b.Start, b.End))
	}
	assert.Equal(t, 0, total.Cmp(hash.ArcWidth(start, end)), "buckets must span the arc exactly")
}

func TestCreateBuckets(t *testing.T) {
	tests := []struct {
		name  string
		start hash.ID
		end   hash.ID
		count int
		want  int
	}{
		{name: "normal arc", start: id("10"), end: id("70"), count: 3, want: 3},
		{name: "wrap arc", start: id("F0"), end: id("10"), count: 4, want: 4},
		{name: "full ring", start: id("40"), end: id("40"), count: 5, want: 5},
		{name: "single bucket", start: id("10"), end: id("20"), count: 1, want: 1},
		{name: "arc narrower than count", start: hash.Zero(), end: hash.Add(hash.Zero(), big.NewInt(2)), count: 3, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buckets := createBuckets(tt.start, tt.end, tt.count)
			require.Len(t, buckets, tt.want)
			assertSpans(t, buckets, tt.start, tt.end)
		})
	}

	t.Run("remainder goes to the first buckets", func(t *testing.T) {
		start := hash.Zero()
		buckets := createBuckets(start, hash.Add(start, big.NewInt(10)), 3)
		require.Len(t, buckets, 3)

		widths := make([]int64, len(buckets))
		for i, b := range buckets {
			widths[i] = hash.ArcWidth(b.Start, b.End).Int64()
		}
		assert.Equal(t, []int64{4, 3, 3}, widths)
	})

	t.Run("wrap past max", func(t *testing.T) {
		start := hash.FromBig(big.NewInt(-3))
		buckets := createBuckets(start, hash.FromBig(big.NewInt(3)), 2)
		require.Len(t, buckets, 2)
		assert.Equal(t, hash.Zero(), buckets[0].End)
		assertSpans(t, buckets, start, hash.FromBig(big.NewInt(3)))
	})
}

func TestBucket(t *testing.T) {
	b := newBucket(id("10"), id("20"))

	in := id("15")
	out := id("25")

	assert.True(t, b.Insert("a", in))
	assert.True(t, b.Insert("a", in))
	assert.False(t, b.Insert("b", out))
	assert.Equal(t, 1, b.Size())

	assert.False(t, b.Delete("a", out))
	assert.False(t, b.Delete("missing", in))
	assert.True(t, b.Delete("a", in))
	assert.Zero(t, b.Size())
}

func createTestTable(t *testing.T, buckets, threshold, keys int) *FrequencyTable {
	t.Helper()
	ft, err := NewFrequencyTable(buckets, threshold)
	require.NoError(t, err)
	ft.Update(id("00"), id("00"))
	for i := 0; i < keys; i++ {
		ft.Add(fmt.Sprintf("key-%d", i))
	}
	return ft
}

func TestNewFrequencyTable(t *testing.T) {
	_, err := NewFrequencyTable(0, 10)
	assert.ErrorIs(t, err, ErrInvalidBucketCount)

	_, err = NewFrequencyTable(3, 51)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = NewFrequencyTable(3, -1)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	ft, err := NewFrequencyTable(3, 34)
	require.NoError(t, err)
	assert.Equal(t, "No Buckets present.", ft.String())
}

func TestFrequencyTableUpdate(t *testing.T) {
	t.Run("unchanged arc is a no-op", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 100)
		first := ft.buckets[0]

		ft.Update(id("00"), id("00"))
		assert.Same(t, first, ft.buckets[0])
		assert.Equal(t, 100, ft.Total())
	})

	t.Run("changed arc replays keys", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 200)
		ft.Update(id("00"), id("80"))

		buckets := ft.Buckets()
		require.Len(t, buckets, 4)
		assert.Equal(t, id("00"), buckets[0].Start)
		assert.Equal(t, id("80"), buckets[3].End)

		want := 0
		for i := 0; i < 200; i++ {
			if hash.InRange(hash.Key(fmt.Sprintf("key-%d", i)), id("00"), id("80")) {
				want++
			}
		}
		assert.Equal(t, want, ft.Total())
		assert.Zero(t, ft.Pending(), "keys handed away are not pending")
	})

	t.Run("bucket count change rebuilds", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 50)
		require.NoError(t, ft.SetBucketCount(6))
		assert.Len(t, ft.Buckets(), 6)
		assert.Equal(t, 50, ft.Total())
		assert.ErrorIs(t, ft.SetBucketCount(0), ErrInvalidBucketCount)
	})

	t.Run("pending keys placed once covered", func(t *testing.T) {
		ft, err := NewFrequencyTable(3, 34)
		require.NoError(t, err)
		ft.Update(id("00"), id("80"))

		var outside string
		for i := 0; ; i++ {
			k := fmt.Sprintf("incoming-%d", i)
			if !hash.InRange(hash.Key(k), id("00"), id("80")) {
				outside = k
				break
			}
		}

		ft.Add(outside)
		assert.Equal(t, 1, ft.Pending())
		assert.Zero(t, ft.Total())

		ft.Update(id("00"), id("00"))
		assert.Zero(t, ft.Pending())
		assert.Equal(t, 1, ft.Total())

		ft.Remove(outside)
		assert.Zero(t, ft.Total())
	})
}

func TestCalculateOffloadKeyRange(t *testing.T) {
	t.Run("lower walk", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 400)
		before := ft.Buckets()

		off, err := ft.CalculateOffloadKeyRange(true)
		require.NoError(t, err)

		assert.Equal(t, before[0].Start, off.Start)
		assert.Equal(t, before[1].End, off.End)
		assert.Len(t, ft.Buckets(), 2)
		assert.Equal(t, before[0].Keys+before[1].Keys, len(off.Keys))
	})

	t.Run("upper walk", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 400)
		before := ft.Buckets()

		off, err := ft.CalculateOffloadKeyRange(false)
		require.NoError(t, err)

		assert.Equal(t, before[2].Start, off.Start)
		assert.Equal(t, before[3].End, off.End)
		remaining := ft.Buckets()
		require.Len(t, remaining, 2)
		assert.Equal(t, before[0].Start, remaining[0].Start)
	})

	t.Run("conservation", func(t *testing.T) {
		for _, lower := range []bool{true, false} {
			ft := createTestTable(t, 5, 20, 300)
			off, err := ft.CalculateOffloadKeyRange(lower)
			require.NoError(t, err)

			var want []string
			for i := 0; i < 300; i++ {
				k := fmt.Sprintf("key-%d", i)
				if hash.InRange(hash.Key(k), off.Start, off.End) {
					want = append(want, k)
				}
			}
			assert.ElementsMatch(t, want, off.Keys, "lower=%v", lower)
			assert.Equal(t, 300-len(want), ft.Total())
		}
	})

	t.Run("would take every bucket", func(t *testing.T) {
		ft := createTestTable(t, 3, 50, 0)
		ft.Update(id("00"), id("30"))

		// a single key in the last bucket: the lower walk never reaches the threshold early
		var key string
		last := ft.Buckets()[2]
		for i := 0; ; i++ {
			k := fmt.Sprintf("k%d", i)
			if hash.InRange(hash.Key(k), last.Start, last.End) {
				key = k
				break
			}
		}
		ft.Add(key)

		_, err := ft.CalculateOffloadKeyRange(true)
		assert.ErrorIs(t, err, ErrNoOffloadRange)
		assert.Len(t, ft.Buckets(), 3)

		off, err := ft.CalculateOffloadKeyRange(false)
		require.NoError(t, err)
		assert.Equal(t, []string{key}, off.Keys)
	})

	t.Run("single bucket", func(t *testing.T) {
		ft := createTestTable(t, 1, 34, 10)
		_, err := ft.CalculateOffloadKeyRange(true)
		assert.ErrorIs(t, err, ErrNoOffloadRange)
		_, err = ft.CalculateOffloadKeyRange(false)
		assert.ErrorIs(t, err, ErrNoOffloadRange)
	})

	t.Run("empty table", func(t *testing.T) {
		ft, err := NewFrequencyTable(3, 34)
		require.NoError(t, err)
		_, err = ft.CalculateOffloadKeyRange(true)
		assert.ErrorIs(t, err, ErrNoOffloadRange)
	})

	t.Run("rebuild after offload", func(t *testing.T) {
		ft := createTestTable(t, 4, 34, 400)
		off, err := ft.CalculateOffloadKeyRange(true)
		require.NoError(t, err)

		remaining := ft.Total()
		ft.Update(off.End, id("00"))
		assert.Len(t, ft.Buckets(), 4)
		assert.Equal(t, remaining, ft.Total())
	})
}

func TestFrequencyTableString(t *testing.T) {
	ft := createTestTable(t, 2, 34, 0)
	ft.Update(id("00"), id("80"))

	var key string
	for i := 0; ; i++ {
		k := fmt.Sprintf("k%d", i)
		if hash.InRange(hash.Key(k), id("00"), id("40")) {
			key = k
			break
		}
	}
	ft.Add(key)

	want := "000 to 400 : " + strings.Repeat("#", 100) + " 100.00% | 400 to 800 : 0.00%"
	assert.Equal(t, want, ft.String())
}

func TestUsageMetrics(t *testing.T) {
	u := NewUsageMetrics()
	assert.Equal(t, int64(1), u.Record())
	assert.Equal(t, int64(2), u.Record())
	assert.Equal(t, "2", u.Info())
	assert.Equal(t, "2 2", u.String())

	u.ResetWindow()
	assert.Equal(t, int64(0), u.Window())
	assert.Equal(t, int64(2), u.Total())

	t.Run("ticker resets window", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		u.Record()
		go u.Run(ctx, 20*time.Millisecond)
		assert.Eventually(t, func() bool { return u.Window() == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(3), u.Total())
	})

	t.Run("parse info", func(t *testing.T) {
		n, err := ParseInfo("42")
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)

		_, err = ParseInfo("lots")
		assert.Error(t, err)
	})
}
