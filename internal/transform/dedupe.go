package transform

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/emberwake/relay/internal/events"
)

// Deduper remembers recently emitted dedupe keys for a short window.
// Capacity bounds memory when producers are noisy.
type Deduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewDeduper creates a deduper with the given window and capacity.
func NewDeduper(window time.Duration, capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Deduper{cache: expirable.NewLRU[string, struct{}](capacity, nil, window)}
}

// Seen records key and reports whether it was already present within the
// window. The check and the insert are one atomic step.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Len returns the number of live keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// DedupeKey fingerprints the logical fact behind ev together with the message
// type and audience it produced. fact carries the payload fields that tell two
// distinct actions apart when type, source and location match, such as the
// text of a chat line. Event and causation IDs are left out: two producers
// reporting the same fact mint different IDs.
func DedupeKey(ev events.Event, fact, msgType string, aud Audience) string {
	h := xxhash.New()
	write := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	write(string(ev.Type))
	write(ev.SourceID)
	for _, loc := range ev.LocationIDs {
		write(loc)
	}
	write(fact)
	write(msgType)
	write(aud.Key())
	return strconv.FormatUint(h.Sum64(), 16)
}
