// Package clock
package clock

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// ChinaTZ is the fixed civil timezone every timestamp in the system is
// expressed in. The host's local zone is never used.
var ChinaTZ = time.FixedZone("CST", 8*60*60)

// Clock is the single time source injected into the calendar, the candle
// aggregator and the engine.
type Clock interface {
	Now() time.Time
}

// SyncedClock corrects the system clock with an offset learned from the
// Date header of an HTTP response, and reports time in China time.
type SyncedClock struct {
	url     string
	client  *http.Client
	offsetN atomic.Int64 // nanoseconds to add to system time
}

// NewSyncedClock creates a clock that syncs against the given URL.
// The clock is usable before the first sync (offset zero).
func NewSyncedClock(url string, timeout time.Duration) *SyncedClock {
	return &SyncedClock{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Now returns the corrected current time in China time.
func (c *SyncedClock) Now() time.Time {
	off := time.Duration(c.offsetN.Load())
	return time.Now().Add(off).In(ChinaTZ)
}

// Offset returns the currently applied correction.
func (c *SyncedClock) Offset() time.Duration {
	return time.Duration(c.offsetN.Load())
}

// Sync performs one synchronization round trip. HTTP Date has one-second
// resolution, which is plenty for minute-scale trading sessions.
func (c *SyncedClock) Sync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dateStr := resp.Header.Get("Date")
	if dateStr == "" {
		return ErrNoDateHeader
	}
	networkTime, err := http.ParseTime(dateStr)
	if err != nil {
		return err
	}

	offset := networkTime.Sub(time.Now().UTC())
	c.offsetN.Store(int64(offset))
	log.Printf("[clock] time synced, offset %.2fs", offset.Seconds())
	return nil
}

// Run syncs immediately and then on the given interval until ctx is done.
// Sync failures are logged and the previous offset stays in effect.
func (c *SyncedClock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if err := c.Sync(ctx); err != nil {
		log.Printf("[clock] time sync failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				log.Printf("[clock] time sync failed: %v", err)
			}
		}
	}
}

// FixedClock always reports the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (f *FixedClock) Now() time.Time { return f.T.In(ChinaTZ) }

// Set moves the fixed clock to t.
func (f *FixedClock) Set(t time.Time) { f.T = t }
