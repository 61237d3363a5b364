package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/l2capture/internal/model"
)

// PGConfig configures the Postgres sink's batching.
type PGConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultPGConfig returns sizing that keeps per-row overhead low without
// holding rows for long.
func DefaultPGConfig() PGConfig {
	return PGConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// PGWriterStats counts sink activity since start.
type PGWriterStats struct {
	UpdateInserts int64
	UpdateErrors  int64
	TradeInserts  int64
	TradeErrors   int64
	Conflicts     int64
	Flushes       int64
}

// PGWriter batches normalized updates and trades into Postgres. Rows are
// accumulated in memory and flushed by size or by timer; duplicate rows
// are dropped with ON CONFLICT DO NOTHING so replays after a reconnect
// stay idempotent.
type PGWriter struct {
	cfg    PGConfig
	db     *pgxpool.Pool
	logger *slog.Logger

	updates *Buffer[model.L2Update]
	trades  *Buffer[model.Trade]

	batchMu     sync.Mutex
	updateBatch []model.L2Update
	tradeBatch  []model.Trade
	stats       PGWriterStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticker *time.Ticker
}

// NewPGWriter creates a writer reading from the two buffers. Either
// buffer may be nil when that feed is not captured.
func NewPGWriter(
	cfg PGConfig,
	updates *Buffer[model.L2Update],
	trades *Buffer[model.Trade],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *PGWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPGConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultPGConfig().FlushInterval
	}
	return &PGWriter{
		cfg:         cfg,
		db:          db,
		logger:      logger.With("sink", "postgres"),
		updates:     updates,
		trades:      trades,
		updateBatch: make([]model.L2Update, 0, cfg.BatchSize),
		tradeBatch:  make([]model.Trade, 0, cfg.BatchSize),
	}
}

// Start launches the consume and flush goroutines.
func (w *PGWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.ticker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("postgres writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down, waiting up to ctx for the goroutines, then
// performs a final flush of everything still batched.
func (w *PGWriter) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.ticker != nil {
		w.ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("postgres writer stop timed out")
	}

	w.drainBuffers()
	w.flush()
	w.logger.Info("postgres writer stopped")
	return nil
}

// Stats returns the current counters.
func (w *PGWriter) Stats() PGWriterStats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *PGWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if !w.drainBuffers() {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// drainBuffers moves buffered events into the batches. Reports whether
// anything moved.
func (w *PGWriter) drainBuffers() bool {
	moved := false
	var flushUpdates, flushTrades bool

	if w.updates != nil {
		if batch := w.updates.Drain(w.cfg.BatchSize); len(batch) > 0 {
			moved = true
			w.batchMu.Lock()
			w.updateBatch = append(w.updateBatch, batch...)
			flushUpdates = len(w.updateBatch) >= w.cfg.BatchSize
			w.batchMu.Unlock()
		}
	}
	if w.trades != nil {
		if batch := w.trades.Drain(w.cfg.BatchSize); len(batch) > 0 {
			moved = true
			w.batchMu.Lock()
			w.tradeBatch = append(w.tradeBatch, batch...)
			flushTrades = len(w.tradeBatch) >= w.cfg.BatchSize
			w.batchMu.Unlock()
		}
	}

	if flushUpdates || flushTrades {
		w.flush()
	}
	return moved
}

func (w *PGWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ticker.C:
			w.flush()
		}
	}
}

func (w *PGWriter) flush() {
	w.batchMu.Lock()
	updateBatch := w.updateBatch
	tradeBatch := w.tradeBatch
	w.updateBatch = make([]model.L2Update, 0, w.cfg.BatchSize)
	w.tradeBatch = make([]model.Trade, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if len(updateBatch) == 0 && len(tradeBatch) == 0 {
		return
	}
	if w.db == nil {
		return
	}

	start := time.Now()

	// A fresh context so the final flush still lands after cancel.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(updateBatch) > 0 {
		conflicts, err := w.insertUpdates(ctx, updateBatch)
		w.batchMu.Lock()
		if err != nil {
			w.stats.UpdateErrors++
		} else {
			w.stats.UpdateInserts += int64(len(updateBatch) - conflicts)
			w.stats.Conflicts += int64(conflicts)
		}
		w.batchMu.Unlock()
		if err != nil {
			w.logger.Error("update batch insert failed", "error", err, "count", len(updateBatch))
		}
	}

	if len(tradeBatch) > 0 {
		conflicts, err := w.insertTrades(ctx, tradeBatch)
		w.batchMu.Lock()
		if err != nil {
			w.stats.TradeErrors++
		} else {
			w.stats.TradeInserts += int64(len(tradeBatch) - conflicts)
			w.stats.Conflicts += int64(conflicts)
		}
		w.batchMu.Unlock()
		if err != nil {
			w.logger.Error("trade batch insert failed", "error", err, "count", len(tradeBatch))
		}
	}

	w.batchMu.Lock()
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed",
		"updates", len(updateBatch),
		"trades", len(tradeBatch),
		"duration", time.Since(start),
	)
}

func (w *PGWriter) insertUpdates(ctx context.Context, rows []model.L2Update) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO book_updates (exchange, symbol, exchange_ts, local_ts, is_snapshot, side, price, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (exchange, symbol, exchange_ts, side, price, local_ts) DO NOTHING
		`, r.Exchange, r.Symbol, r.Timestamp, r.LocalTimestamp, r.IsSnapshot, string(r.Side), r.Price, r.Amount)
	}
	return w.sendBatch(ctx, batch, len(rows))
}

func (w *PGWriter) insertTrades(ctx context.Context, rows []model.Trade) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO trades (exchange, symbol, exchange_ts, local_ts, trade_id, side, price, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (exchange, symbol, trade_id) DO NOTHING
		`, r.Exchange, r.Symbol, r.Timestamp, r.LocalTimestamp, r.TradeID, string(r.Side), r.Price, r.Amount)
	}
	return w.sendBatch(ctx, batch, len(rows))
}

func (w *PGWriter) sendBatch(ctx context.Context, batch *pgx.Batch, n int) (conflicts int, err error) {
	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < n; i++ {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
