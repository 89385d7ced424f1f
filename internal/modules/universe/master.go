package universe

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hantuquant/trader/internal/domain"
)

// Master snapshots are plain CSV mirrors of the last successful ranking
// per KR exchange. The simulated environment refuses ranking queries,
// so without them a paper-trading boot would start with an empty
// universe.

var masterHeader = []string{"rank", "symbol", "name", "price", "market_cap"}

// writeMasterFile replaces the snapshot for one exchange.
func writeMasterFile(path string, entries []domain.RankingEntry) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(masterHeader)
	for _, e := range entries {
		_ = w.Write([]string{
			strconv.Itoa(e.Rank),
			e.Symbol,
			e.Name,
			strconv.FormatFloat(e.Price, 'f', -1, 64),
			strconv.FormatFloat(e.MarketCap, 'f', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode master file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create master file directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write master file: %w", err)
	}
	return nil
}

// readMasterFile loads a snapshot, trimming to limit when limit > 0.
// Rows that fail to parse are skipped, not fatal; a stale snapshot is
// still a better universe than none.
func readMasterFile(path string, limit int) ([]domain.RankingEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse master file %s: %w", path, err)
	}

	entries := make([]domain.RankingEntry, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == masterHeader[0] {
			continue
		}
		if len(rec) < len(masterHeader) || rec[1] == "" {
			continue
		}
		rank, _ := strconv.Atoi(rec[0])
		if rank == 0 {
			rank = len(entries) + 1
		}
		price, _ := strconv.ParseFloat(rec[3], 64)
		marketCap, _ := strconv.ParseFloat(rec[4], 64)
		entries = append(entries, domain.RankingEntry{
			Rank:      rank,
			Symbol:    domain.NormalizeSymbol(rec[1]),
			Name:      rec[2],
			Price:     price,
			MarketCap: marketCap,
		})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
