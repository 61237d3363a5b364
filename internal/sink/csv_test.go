package sink

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantfeed/l2capture/internal/model"
)

// µs timestamps on two consecutive UTC days.
const (
	tsDay1 = int64(1719792000000000) // 2024-07-01 00:00:00 UTC
	tsDay2 = int64(1719878400000000) // 2024-07-02 00:00:00 UTC
)

func update(ts int64) model.L2Update {
	return model.L2Update{
		Exchange:       "lighter",
		Symbol:         "ETH-USD",
		Timestamp:      ts,
		LocalTimestamp: ts + 5,
		Side:           model.SideBid,
		Price:          "2000.5",
		Amount:         "1.25",
	}
}

func TestBookCSVWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	s := NewBookCSV(CSVConfig{Dir: dir, Exchange: "lighter", FlushEvery: 1}, nil)
	defer s.Close()

	if err := s.Write(update(tsDay1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "lighter_book_snapshot_l2_ETH-USD_2024-07-01.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0] != model.L2CSVHeader {
		t.Errorf("got header %q, want %q", lines[0], model.L2CSVHeader)
	}
	if !strings.HasPrefix(lines[1], "lighter,ETH-USD,") {
		t.Errorf("got row %q, want lighter,ETH-USD prefix", lines[1])
	}
}

func TestBookCSVRotatesAtDateBoundary(t *testing.T) {
	dir := t.TempDir()
	s := NewBookCSV(CSVConfig{Dir: dir, Exchange: "lighter", FlushEvery: 1}, nil)

	if err := s.Write(update(tsDay1)); err != nil {
		t.Fatalf("Write day1: %v", err)
	}
	if err := s.Write(update(tsDay2)); err != nil {
		t.Fatalf("Write day2: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{
		"lighter_book_snapshot_l2_ETH-USD_2024-07-01.csv",
		"lighter_book_snapshot_l2_ETH-USD_2024-07-02.csv",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing rotated file %s: %v", name, err)
		}
	}
	if got := s.Rows(); got != 2 {
		t.Errorf("Rows() = %d, want 2", got)
	}
}

func TestBookCSVGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewBookCSV(CSVConfig{Dir: dir, Exchange: "lighter", Compress: true, FlushEvery: 1}, nil)

	want := update(tsDay1)
	if err := s.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "lighter_book_snapshot_l2_ETH-USD_2024-07-01.csv.gz")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := gz.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[1] != want.CSVRow() {
		t.Errorf("got row %q, want %q", lines[1], want.CSVRow())
	}
}

func TestTradeCSVFileName(t *testing.T) {
	dir := t.TempDir()
	s := NewTradeCSV(CSVConfig{Dir: dir, Exchange: "paradex", FlushEvery: 1}, nil)

	err := s.Write(model.Trade{
		Exchange:       "paradex",
		Symbol:         "BTC-USD-PERP",
		Timestamp:      tsDay1,
		LocalTimestamp: tsDay1,
		TradeID:        "t-1",
		Side:           model.TradeSell,
		Price:          "64000",
		Amount:         "0.5",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "paradex_trades_BTC-USD-PERP_2024-07-01.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), model.TradeCSVHeader+"\n") {
		t.Errorf("file does not start with trade header")
	}
}

func TestSnapshotCSVRowShape(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotCSV(CSVConfig{Dir: dir, Exchange: "paradex", FlushEvery: 1}, nil)

	snap := model.L2Snapshot{
		Exchange:       "paradex",
		Symbol:         "BTC-USD-PERP",
		Timestamp:      tsDay1,
		LocalTimestamp: tsDay1,
		Bids:           []model.PriceLevel{{Price: "63999", Amount: "2"}},
		Asks:           []model.PriceLevel{{Price: "64001", Amount: "1"}},
	}
	if err := s.Write(snap); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "paradex_book_snapshot_15_BTC-USD-PERP_2024-07-01.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	wantCols := 4 + 4*SnapshotDepth
	header := strings.Split(lines[0], ",")
	row := strings.Split(lines[1], ",")
	if len(header) != wantCols {
		t.Errorf("got %d header columns, want %d", len(header), wantCols)
	}
	if len(row) != wantCols {
		t.Errorf("got %d row columns, want %d", len(row), wantCols)
	}
	if header[4] != "asks[0].price" {
		t.Errorf("got column 4 %q, want asks[0].price", header[4])
	}
	// Asks come first, best level first; unfilled depth stays empty.
	if row[4] != "64001" || row[5] != "1" {
		t.Errorf("got ask cells %q,%q, want 64001,1", row[4], row[5])
	}
	if row[4+2*SnapshotDepth] != "63999" {
		t.Errorf("got bid cell %q, want 63999", row[4+2*SnapshotDepth])
	}
	if row[6] != "" {
		t.Errorf("got %q for missing level, want empty", row[6])
	}
}

func TestSanitizeSymbol(t *testing.T) {
	if got := sanitizeSymbol("BTC/USD:PERP"); got != "BTC-USD-PERP" {
		t.Errorf("sanitizeSymbol = %q, want BTC-USD-PERP", got)
	}
}

func TestDailyWriterFlushEvery(t *testing.T) {
	dir := t.TempDir()
	// Large flush threshold: rows stay buffered until an explicit Flush.
	s := NewBookCSV(CSVConfig{Dir: dir, Exchange: "lighter", FlushEvery: 1000}, nil)
	defer s.Close()

	if err := s.Write(update(tsDay1)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	path := filepath.Join(dir, "lighter_book_snapshot_l2_ETH-USD_2024-07-01.csv")
	if info, err := os.Stat(path); err != nil {
		t.Fatalf("Stat: %v", err)
	} else if info.Size() != 0 {
		t.Errorf("got %d bytes before flush, want 0", info.Size())
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("got size %v err %v after flush, want data on disk", info, err)
	}
}
