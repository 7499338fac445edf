package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ProfileStore persists derived volume curves as Parquet files so VWAP
// planning keeps working when the data feed is down.
//
// Layout: <dataDir>/profiles/<SYMBOL>/<YYYY-MM-DD>.parquet
type ProfileStore struct {
	DataDir string
}

// NewProfileStore creates a ProfileStore rooted at the given directory.
func NewProfileStore(dataDir string) *ProfileStore {
	return &ProfileStore{DataDir: dataDir}
}

// ProfileRecord is the Parquet schema for one volume-curve bucket. Buckets
// are stored as offsets from session open so a cached curve can be rebased
// onto any later session.
type ProfileRecord struct {
	Symbol    string  `parquet:"symbol"`
	OffsetMin int32   `parquet:"offset_min"`
	Fraction  float64 `parquet:"fraction"`
}

// Write persists the curve for the session anchored at sessionOpen.
func (s *ProfileStore) Write(symbol string, sessionOpen time.Time, curve []Bucket) error {
	records := make([]ProfileRecord, 0, len(curve))
	for _, b := range curve {
		records = append(records, ProfileRecord{
			Symbol:    strings.ToUpper(symbol),
			OffsetMin: int32(b.Start.Sub(sessionOpen) / time.Minute),
			Fraction:  b.Fraction,
		})
	}

	path := s.profilePath(symbol, sessionOpen)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing profile for %s: %w", symbol, err)
	}
	return nil
}

// Read returns the most recent cached curve for symbol, rebased onto the
// session anchored at sessionOpen.
func (s *ProfileStore) Read(symbol string, sessionOpen time.Time) ([]Bucket, error) {
	dir := filepath.Join(s.DataDir, "profiles", strings.ToUpper(symbol))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("no cached profile for %s: %w", symbol, err)
	}

	var dates []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			dates = append(dates, e.Name())
		}
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no cached profile for %s", symbol)
	}
	sort.Strings(dates)

	path := filepath.Join(dir, dates[len(dates)-1])
	records, err := parquet.ReadFile[ProfileRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].OffsetMin < records[j].OffsetMin })

	curve := make([]Bucket, 0, len(records))
	for _, r := range records {
		curve = append(curve, Bucket{
			Start:    sessionOpen.Add(time.Duration(r.OffsetMin) * time.Minute),
			Fraction: r.Fraction,
		})
	}
	return curve, nil
}

// profilePath returns the file path for a symbol's curve on the given date.
func (s *ProfileStore) profilePath(symbol string, sessionOpen time.Time) string {
	date := sessionOpen.Format("2006-01-02")
	return filepath.Join(s.DataDir, "profiles", strings.ToUpper(symbol), date+".parquet")
}
