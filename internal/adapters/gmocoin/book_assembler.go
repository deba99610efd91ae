package gmocoin

import (
	"sort"
	"sync"
	"time"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

// ErrBookStaleSnapshot is returned when a snapshot older than the held
// book arrives, which happens when frames are replayed after reconnect.
var ErrBookStaleSnapshot = errs.New(venueName, errs.CodeInvalid, errs.WithMessage("book assembler: stale snapshot"))

// BookAssembler holds the latest full-depth image per symbol. The venue
// streams complete snapshots rather than deltas, so assembly is
// timestamp-ordered replacement plus depth trimming and sort
// normalization for downstream consumers.
type BookAssembler struct {
	mu    sync.Mutex
	depth int
	books map[string]schema.BookSnapshot
}

// NewBookAssembler constructs an assembler trimming books to depth
// levels per side. Zero depth keeps the full image.
func NewBookAssembler(depth int) *BookAssembler {
	return &BookAssembler{
		depth: depth,
		books: make(map[string]schema.BookSnapshot),
	}
}

// ApplySnapshot ingests a snapshot and returns the normalized image:
// bids descending, asks ascending, both trimmed to the configured
// depth. Snapshots older than the held book are rejected.
func (a *BookAssembler) ApplySnapshot(snapshot schema.BookSnapshot) (schema.BookSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if held, ok := a.books[snapshot.Symbol]; ok && snapshot.Timestamp.Before(held.Timestamp) {
		return schema.BookSnapshot{}, ErrBookStaleSnapshot
	}

	normalized := schema.BookSnapshot{
		Symbol:    snapshot.Symbol,
		Bids:      normalizeSide(snapshot.Bids, a.depth, true),
		Asks:      normalizeSide(snapshot.Asks, a.depth, false),
		Timestamp: snapshot.Timestamp,
	}
	a.books[snapshot.Symbol] = normalized
	return normalized, nil
}

// Book returns the held image for a symbol, if any.
func (a *BookAssembler) Book(symbol string) (schema.BookSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	held, ok := a.books[symbol]
	return held, ok
}

// LastUpdate reports the timestamp of the held image for a symbol.
func (a *BookAssembler) LastUpdate(symbol string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	held, ok := a.books[symbol]
	return held.Timestamp, ok
}

func normalizeSide(levels []schema.BookLevel, depth int, descending bool) []schema.BookLevel {
	out := make([]schema.BookLevel, len(levels))
	copy(out, levels)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
