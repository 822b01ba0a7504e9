package balance

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// DefaultWindow is how often the recent operation counter is zeroed.
const DefaultWindow = 30 * time.Second

// UsageMetrics counts operations overall and within the current window. The
// window counter is reset by a fixed period ticker, so it is not a true
// sliding window.
type UsageMetrics struct {
	total  atomic.Int64
	window atomic.Int64
}

// NewUsageMetrics creates zeroed counters.
func NewUsageMetrics() *UsageMetrics {
	return &UsageMetrics{}
}

// Record counts one operation and returns the window count after it.
func (u *UsageMetrics) Record() int64 {
	u.total.Add(1)
	return u.window.Add(1)
}

func (u *UsageMetrics) Total() int64 {
	return u.total.Load()
}

func (u *UsageMetrics) Window() int64 {
	return u.window.Load()
}

// ResetWindow zeroes the window counter.
func (u *UsageMetrics) ResetWindow() {
	u.window.Store(0)
}

// Run resets the window every interval until ctx is done.
func (u *UsageMetrics) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.ResetWindow()
		}
	}
}

// Info is the window count as sent in reply to get_usage_metrics_info.
func (u *UsageMetrics) Info() string {
	return strconv.FormatInt(u.Window(), 10)
}

func (u *UsageMetrics) String() string {
	return fmt.Sprintf("%d %d", u.Total(), u.Window())
}

// ParseInfo parses a neighbour's get_usage_metrics_info reply.
func ParseInfo(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid usage info %q: %w", s, err)
	}
	return n, nil
}
