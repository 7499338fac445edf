package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/util"
)

func TestStaticCurrentPrice(t *testing.T) {
	g := NewStatic(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromFloat(160.0),
	})

	price, err := g.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(160.0)) {
		t.Errorf("CurrentPrice = %s, want 160", price)
	}

	if _, err := g.CurrentPrice(context.Background(), "MSFT"); err == nil {
		t.Error("CurrentPrice for unconfigured symbol should fail")
	}
}

func TestStaticVolumeProfileMissing(t *testing.T) {
	g := NewStatic(nil)
	if _, err := g.VolumeProfile(context.Background(), "AAPL", time.Now()); err == nil {
		t.Error("VolumeProfile without a configured curve should fail")
	}
}

func TestProfileStoreRoundTrip(t *testing.T) {
	ps := NewProfileStore(t.TempDir())

	open := time.Date(2024, 6, 12, 13, 30, 0, 0, time.UTC)
	curve := []Bucket{
		{Start: open, Fraction: 0.5},
		{Start: open.Add(30 * time.Minute), Fraction: 0.3},
		{Start: open.Add(60 * time.Minute), Fraction: 0.2},
	}

	if err := ps.Write("aapl", open, curve); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Rebase onto a later session.
	nextOpen := open.AddDate(0, 0, 1)
	got, err := ps.Read("AAPL", nextOpen)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read returned %d buckets, want 3", len(got))
	}
	if got[0].Fraction != 0.5 || got[2].Fraction != 0.2 {
		t.Errorf("fractions = [%v %v %v], want [0.5 0.3 0.2]", got[0].Fraction, got[1].Fraction, got[2].Fraction)
	}
	if !got[1].Start.Equal(nextOpen.Add(30 * time.Minute)) {
		t.Errorf("bucket 1 start = %v, want %v", got[1].Start, nextOpen.Add(30*time.Minute))
	}
}

func TestProfileStoreReadsLatest(t *testing.T) {
	ps := NewProfileStore(t.TempDir())

	day1 := time.Date(2024, 6, 11, 13, 30, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 12, 13, 30, 0, 0, time.UTC)

	if err := ps.Write("MSFT", day1, []Bucket{{Start: day1, Fraction: 1.0}}); err != nil {
		t.Fatalf("Write day1: %v", err)
	}
	if err := ps.Write("MSFT", day2, []Bucket{{Start: day2, Fraction: 0.9}, {Start: day2.Add(30 * time.Minute), Fraction: 0.1}}); err != nil {
		t.Fatalf("Write day2: %v", err)
	}

	got, err := ps.Read("MSFT", day2.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read should return the most recent curve (2 buckets), got %d", len(got))
	}
}

func TestProfileStoreMissingSymbol(t *testing.T) {
	ps := NewProfileStore(t.TempDir())
	if _, err := ps.Read("TSLA", time.Now()); err == nil {
		t.Error("Read for unknown symbol should fail")
	}
}

func TestBucketIndexOutsideSession(t *testing.T) {
	// 03:00 ET is outside market hours regardless of weekday.
	ts := time.Date(2024, 6, 12, 7, 0, 0, 0, time.UTC)
	if idx := bucketIndex(ts, util.NewTradingCalendar()); idx != -1 {
		t.Errorf("bucketIndex outside session = %d, want -1", idx)
	}
}
