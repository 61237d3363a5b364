package sink

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quantfeed/l2capture/internal/model"
)

// SnapshotDepth is the fixed level count of the book snapshot CSV format.
const SnapshotDepth = 15

// CSVConfig configures the file-based sinks.
type CSVConfig struct {
	Dir        string
	Exchange   string
	Compress   bool
	FlushEvery int // rows between explicit flushes, default 100
}

func (c CSVConfig) withDefaults() CSVConfig {
	if c.FlushEvery <= 0 {
		c.FlushEvery = 100
	}
	return c
}

// dailyWriter maintains one open file per symbol, rotating when the UTC
// date derived from the exchange timestamp changes. The header is written
// once per file.
type dailyWriter struct {
	cfg    CSVConfig
	kind   string
	header string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*dailyFile
	rows  int64
}

type dailyFile struct {
	date    string
	f       *os.File
	gz      *gzip.Writer
	bw      *bufio.Writer
	pending int
}

func newDailyWriter(cfg CSVConfig, kind, header string, logger *slog.Logger) *dailyWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &dailyWriter{
		cfg:    cfg.withDefaults(),
		kind:   kind,
		header: header,
		logger: logger.With("sink", kind),
		files:  make(map[string]*dailyFile),
	}
}

// writeRow appends one CSV row for symbol, dated by ts (microseconds).
func (w *dailyWriter) writeRow(symbol string, ts int64, row string) error {
	date := time.UnixMicro(ts).UTC().Format("2006-01-02")

	w.mu.Lock()
	defer w.mu.Unlock()

	df, err := w.fileFor(symbol, date)
	if err != nil {
		return err
	}

	if _, err := df.bw.WriteString(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	if err := df.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.rows++
	df.pending++

	if df.pending >= w.cfg.FlushEvery {
		df.pending = 0
		if err := w.flushFile(df); err != nil {
			return err
		}
	}
	return nil
}

func (w *dailyWriter) fileFor(symbol, date string) (*dailyFile, error) {
	df := w.files[symbol]
	if df != nil && df.date == date {
		return df, nil
	}
	if df != nil {
		// Date rolled over: finish yesterday's file before opening today's.
		if err := w.closeFile(df); err != nil {
			w.logger.Warn("closing rotated file", "symbol", symbol, "error", err)
		}
	}

	path := filepath.Join(w.cfg.Dir, w.fileName(symbol, date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	df = &dailyFile{date: date, f: f}
	if w.cfg.Compress {
		df.gz = gzip.NewWriter(f)
		df.bw = bufio.NewWriter(df.gz)
	} else {
		df.bw = bufio.NewWriter(f)
	}

	// Appending to an existing uncompressed file keeps its header; a gzip
	// member boundary makes re-writing the header for appends unhelpful, so
	// compressed files get a header per member only when empty.
	if info.Size() == 0 {
		if _, err := df.bw.WriteString(w.header + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	w.files[symbol] = df
	w.logger.Info("opened sink file", "path", path)
	return df, nil
}

func (w *dailyWriter) fileName(symbol, date string) string {
	name := fmt.Sprintf("%s_%s_%s_%s.csv", w.cfg.Exchange, w.kind, sanitizeSymbol(symbol), date)
	if w.cfg.Compress {
		name += ".gz"
	}
	return name
}

// Flush pushes buffered rows to disk for every open file.
func (w *dailyWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, df := range w.files {
		if err := w.flushFile(df); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rows returns the total rows written across all files.
func (w *dailyWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes and closes every open file.
func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for symbol, df := range w.files {
		if err := w.closeFile(df); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, symbol)
	}
	return firstErr
}

func (w *dailyWriter) flushFile(df *dailyFile) error {
	if err := df.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if df.gz != nil {
		if err := df.gz.Flush(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return nil
}

func (w *dailyWriter) closeFile(df *dailyFile) error {
	if err := df.bw.Flush(); err != nil {
		return err
	}
	if df.gz != nil {
		if err := df.gz.Close(); err != nil {
			return err
		}
	}
	return df.f.Close()
}

func sanitizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "-", ":", "-", " ", "-")
	return r.Replace(symbol)
}

// BookCSV writes normalized L2 rows as daily per-symbol files named
// {exchange}_book_snapshot_l2_{symbol}_{date}.csv[.gz].
type BookCSV struct {
	w *dailyWriter
}

func NewBookCSV(cfg CSVConfig, logger *slog.Logger) *BookCSV {
	return &BookCSV{w: newDailyWriter(cfg, "book_snapshot_l2", model.L2CSVHeader, logger)}
}

func (s *BookCSV) Write(u model.L2Update) error {
	return s.w.writeRow(u.Symbol, u.Timestamp, u.CSVRow())
}

func (s *BookCSV) Flush() error { return s.w.Flush() }
func (s *BookCSV) Rows() int64  { return s.w.Rows() }
func (s *BookCSV) Close() error { return s.w.Close() }

// TradeCSV writes trades as daily per-symbol files named
// {exchange}_trades_{symbol}_{date}.csv[.gz].
type TradeCSV struct {
	w *dailyWriter
}

func NewTradeCSV(cfg CSVConfig, logger *slog.Logger) *TradeCSV {
	return &TradeCSV{w: newDailyWriter(cfg, "trades", model.TradeCSVHeader, logger)}
}

func (s *TradeCSV) Write(t model.Trade) error {
	return s.w.writeRow(t.Symbol, t.Timestamp, t.CSVRow())
}

func (s *TradeCSV) Flush() error { return s.w.Flush() }
func (s *TradeCSV) Rows() int64  { return s.w.Rows() }
func (s *TradeCSV) Close() error { return s.w.Close() }

// SnapshotCSV writes one fixed-depth row per book snapshot, the
// book_snapshot_15 format: asks then bids, best levels first, empty cells
// past the available depth.
type SnapshotCSV struct {
	w *dailyWriter
}

func NewSnapshotCSV(cfg CSVConfig, logger *slog.Logger) *SnapshotCSV {
	return &SnapshotCSV{w: newDailyWriter(cfg, fmt.Sprintf("book_snapshot_%d", SnapshotDepth), snapshotHeader(), logger)}
}

func (s *SnapshotCSV) Write(snap model.L2Snapshot) error {
	return s.w.writeRow(snap.Symbol, snap.Timestamp, snapshotRow(&snap))
}

func (s *SnapshotCSV) Flush() error { return s.w.Flush() }
func (s *SnapshotCSV) Rows() int64  { return s.w.Rows() }
func (s *SnapshotCSV) Close() error { return s.w.Close() }

func snapshotHeader() string {
	cols := []string{"exchange", "symbol", "timestamp", "local_timestamp"}
	for _, side := range []string{"asks", "bids"} {
		for i := 0; i < SnapshotDepth; i++ {
			cols = append(cols,
				fmt.Sprintf("%s[%d].price", side, i),
				fmt.Sprintf("%s[%d].amount", side, i),
			)
		}
	}
	return strings.Join(cols, ",")
}

func snapshotRow(snap *model.L2Snapshot) string {
	cols := make([]string, 0, 4+4*SnapshotDepth)
	cols = append(cols,
		snap.Exchange,
		snap.Symbol,
		fmt.Sprintf("%d", snap.Timestamp),
		fmt.Sprintf("%d", snap.LocalTimestamp),
	)
	for _, side := range [][]model.PriceLevel{snap.Asks, snap.Bids} {
		for i := 0; i < SnapshotDepth; i++ {
			if i < len(side) {
				cols = append(cols, side[i].Price, side[i].Amount)
			} else {
				cols = append(cols, "", "")
			}
		}
	}
	return strings.Join(cols, ",")
}
