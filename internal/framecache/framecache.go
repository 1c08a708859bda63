// Package framecache holds the most recent encoded frame for the stream
// workers. It is a single slot: every publish replaces the previous frame,
// and readers always see either nothing or one complete frame.
package framecache

import (
	"sync/atomic"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

type slot struct {
	frame *types.Frame
	read  atomic.Bool
}

// Cache is a last-write-wins frame slot. The zero value is not usable; call New.
type Cache struct {
	cur         atomic.Pointer[slot]
	seq         atomic.Uint64
	published   atomic.Uint64
	overwritten atomic.Uint64
	metrics     *metrics.Metrics
}

// New creates an empty cache. m may be nil.
func New(m *metrics.Metrics) *Cache {
	return &Cache{metrics: m}
}

// Publish copies data into a new immutable frame and makes it the current one.
// The caller may reuse data after Publish returns. Empty data is ignored.
func (c *Cache) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.store(buf)
}

func (c *Cache) store(buf []byte) {
	f := &types.Frame{
		Data:      buf,
		Timestamp: time.Now(),
		Seq:       c.seq.Add(1),
	}
	old := c.cur.Swap(&slot{frame: f})

	c.published.Add(1)
	overwritten := old != nil && !old.read.Load()
	if overwritten {
		c.overwritten.Add(1)
	}
	if c.metrics != nil {
		c.metrics.FramesPublished.Add(1)
		if overwritten {
			c.metrics.FramesOverwritten.Add(1)
		}
	}
}

// Load returns the current frame, or false if nothing has been published
// since creation or the last Clear. The returned frame must not be modified.
func (c *Cache) Load() (*types.Frame, bool) {
	s := c.cur.Load()
	if s == nil {
		return nil, false
	}
	if !s.read.Load() {
		s.read.Store(true)
	}
	return s.frame, true
}

// Clear drops the current frame.
func (c *Cache) Clear() {
	c.cur.Store(nil)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Overwritten uint64 `json:"overwritten"`
	LastSeq     uint64 `json:"last_seq"`
	HasFrame    bool   `json:"has_frame"`
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Published:   c.published.Load(),
		Overwritten: c.overwritten.Load(),
		LastSeq:     c.seq.Load(),
		HasFrame:    c.cur.Load() != nil,
	}
}
