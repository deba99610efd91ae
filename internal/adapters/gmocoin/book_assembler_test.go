package gmocoin

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/penguinworks/gmoconnect/internal/schema"
)

func level(price, size string) schema.BookLevel {
	return schema.BookLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func TestBookAssemblerNormalizesAndTrims(t *testing.T) {
	assembler := NewBookAssembler(2)
	snapshot := schema.BookSnapshot{
		Symbol: "BTC_JPY",
		Asks: []schema.BookLevel{
			level("455661", "0.3"),
			level("455659", "0.1"),
			level("455660", "0.2"),
		},
		Bids: []schema.BookLevel{
			level("455655", "0.3"),
			level("455657", "0.1"),
			level("455656", "0.2"),
		},
		Timestamp: time.Now(),
	}

	normalized, err := assembler.ApplySnapshot(snapshot)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(normalized.Asks) != 2 || len(normalized.Bids) != 2 {
		t.Fatalf("depth = %d/%d, want 2/2", len(normalized.Asks), len(normalized.Bids))
	}
	if normalized.Asks[0].Price.String() != "455659" {
		t.Fatalf("best ask = %s", normalized.Asks[0].Price)
	}
	if normalized.Bids[0].Price.String() != "455657" {
		t.Fatalf("best bid = %s", normalized.Bids[0].Price)
	}
}

func TestBookAssemblerRejectsStaleSnapshot(t *testing.T) {
	assembler := NewBookAssembler(0)
	now := time.Now()

	fresh := schema.BookSnapshot{Symbol: "BTC_JPY", Timestamp: now}
	if _, err := assembler.ApplySnapshot(fresh); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	stale := schema.BookSnapshot{Symbol: "BTC_JPY", Timestamp: now.Add(-time.Second)}
	if _, err := assembler.ApplySnapshot(stale); !errors.Is(err, ErrBookStaleSnapshot) {
		t.Fatalf("err = %v, want ErrBookStaleSnapshot", err)
	}

	held, ok := assembler.Book("BTC_JPY")
	if !ok || !held.Timestamp.Equal(now) {
		t.Fatal("held book was replaced by a stale snapshot")
	}
}

func TestBookAssemblerTracksSymbolsIndependently(t *testing.T) {
	assembler := NewBookAssembler(0)
	now := time.Now()

	for _, symbol := range []string{"BTC_JPY", "ETH_JPY"} {
		snapshot := schema.BookSnapshot{Symbol: symbol, Timestamp: now}
		if _, err := assembler.ApplySnapshot(snapshot); err != nil {
			t.Fatalf("ApplySnapshot(%s): %v", symbol, err)
		}
	}
	if _, ok := assembler.Book("ETH_JPY"); !ok {
		t.Fatal("second symbol missing")
	}
	if _, ok := assembler.Book("XRP_JPY"); ok {
		t.Fatal("unknown symbol should be absent")
	}
}
