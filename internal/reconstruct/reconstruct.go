package reconstruct

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/l2capture/internal/book"
	"github.com/quantfeed/l2capture/internal/model"
)

// AnomalyKind classifies an observation raised during replay.
type AnomalyKind string

const (
	// AnomalyNewSnapshot marks a snapshot session boundary, usually a
	// capture-side reconnect.
	AnomalyNewSnapshot AnomalyKind = "NEW_SNAPSHOT"
	// AnomalyCrossedBook marks best bid at or above best ask.
	AnomalyCrossedBook AnomalyKind = "CROSSED_BOOK"
	// AnomalyPriceJump marks a mid-price move beyond the jump threshold.
	AnomalyPriceJump AnomalyKind = "PRICE_JUMP"
	// AnomalyLowDepth marks a side thinner than the minimum depth.
	AnomalyLowDepth AnomalyKind = "LOW_DEPTH"
	// AnomalyWideSpread marks a spread beyond the maximum in bps.
	AnomalyWideSpread AnomalyKind = "WIDE_SPREAD"
)

// Anomaly is one recorded observation.
type Anomaly struct {
	Timestamp int64
	Kind      AnomalyKind
	Message   string
}

// Config holds the detection thresholds.
type Config struct {
	// JumpThresholdBps is the mid-price move that counts as a jump.
	JumpThresholdBps decimal.Decimal
	// MinDepth is the level count below which a side is thin. Negative
	// disables the check.
	MinDepth int
	// MaxSpreadBps is the spread beyond which the book is suspect.
	MaxSpreadBps decimal.Decimal
	// Verbose records every occurrence of the rate-limited kinds.
	Verbose bool
}

// DefaultConfig returns the standard thresholds: 100 bps jumps, depth
// under 3 levels, spreads over 500 bps.
func DefaultConfig() Config {
	return Config{
		JumpThresholdBps: decimal.NewFromInt(100),
		MinDepth:         3,
		MaxSpreadBps:     decimal.NewFromInt(500),
	}
}

// Stats counts processed rows and anomaly occurrences. Occurrence counts
// keep growing even when recording is rate-limited.
type Stats struct {
	TotalUpdates       int64
	Snapshots          int64
	IncrementalUpdates int64
	SkippedRows        int64
	CrossedBook        int64
	PriceJumps         int64
	LowDepth           int64
	WideSpread         int64
}

// MidPoint is one (timestamp, mid price) observation.
type MidPoint struct {
	Timestamp int64
	Mid       decimal.Decimal
}

// Reconstructor replays update rows in order, maintaining a book and the
// anomaly record. It is not safe for concurrent use.
type Reconstructor struct {
	cfg    Config
	logger *slog.Logger

	book      *book.Book
	anomalies []Anomaly
	stats     Stats

	lastMid    decimal.Decimal
	hasLastMid bool
	midHistory []MidPoint
}

// New creates a reconstructor. Zero-valued thresholds fall back to the
// defaults.
func New(cfg Config, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.JumpThresholdBps.IsZero() {
		cfg.JumpThresholdBps = def.JumpThresholdBps
	}
	if cfg.MinDepth == 0 {
		cfg.MinDepth = def.MinDepth
	}
	if cfg.MaxSpreadBps.IsZero() {
		cfg.MaxSpreadBps = def.MaxSpreadBps
	}
	return &Reconstructor{
		cfg:    cfg,
		logger: logger,
		book:   book.New(),
	}
}

// Process applies one recorded row and runs the anomaly checks.
//
// A snapshot row whose timestamp differs from the book's last applied
// timestamp opens a new snapshot session: the book resets, and every
// session after the first is recorded as a reconnect observation.
func (r *Reconstructor) Process(u model.L2Update) {
	r.stats.TotalUpdates++

	if u.IsSnapshot {
		if r.stats.Snapshots == 0 || r.book.LastTimestamp() != u.Timestamp {
			if r.stats.Snapshots > 0 {
				r.record(Anomaly{
					Timestamp: u.Timestamp,
					Kind:      AnomalyNewSnapshot,
					Message:   "new snapshot session, likely a reconnect",
				})
			}
			r.book.Reset()
			r.stats.Snapshots++
		}
	} else {
		r.stats.IncrementalUpdates++
	}

	if err := r.book.Apply(u.Side, u.Price, u.Amount, u.Timestamp); err != nil {
		r.stats.SkippedRows++
		r.logger.Warn("skipping unparseable row", "error", err, "price", u.Price, "amount", u.Amount)
		return
	}

	r.check(u.Timestamp)
}

func (r *Reconstructor) check(ts int64) {
	bestBid, haveBid := r.book.BestBid()
	bestAsk, haveAsk := r.book.BestAsk()

	if haveBid && haveAsk && bestBid.Price.GreaterThanOrEqual(bestAsk.Price) {
		r.stats.CrossedBook++
		r.record(Anomaly{
			Timestamp: ts,
			Kind:      AnomalyCrossedBook,
			Message:   fmt.Sprintf("crossed book: bid=%s >= ask=%s", bestBid.Price, bestAsk.Price),
		})
	}

	if mid, ok := r.book.Mid(); ok {
		r.midHistory = append(r.midHistory, MidPoint{Timestamp: ts, Mid: mid})
		if r.hasLastMid && r.lastMid.IsPositive() {
			changeBps := mid.Sub(r.lastMid).Abs().Div(r.lastMid).Mul(decimal.NewFromInt(10000))
			if changeBps.GreaterThan(r.cfg.JumpThresholdBps) {
				r.stats.PriceJumps++
				r.record(Anomaly{
					Timestamp: ts,
					Kind:      AnomalyPriceJump,
					Message:   fmt.Sprintf("mid jumped %s bps: %s -> %s", changeBps.StringFixed(2), r.lastMid, mid),
				})
			}
		}
		r.lastMid = mid
		r.hasLastMid = true
	}

	bidDepth, askDepth := r.book.Depth()
	if r.cfg.MinDepth > 0 && (bidDepth < r.cfg.MinDepth || askDepth < r.cfg.MinDepth) {
		// Recorded once to keep the report readable; the counter still runs.
		if r.stats.LowDepth == 0 || r.cfg.Verbose {
			r.record(Anomaly{
				Timestamp: ts,
				Kind:      AnomalyLowDepth,
				Message:   fmt.Sprintf("thin book: bids=%d, asks=%d", bidDepth, askDepth),
			})
		}
		r.stats.LowDepth++
	}

	if spreadBps, ok := r.book.SpreadBps(); ok && spreadBps.GreaterThan(r.cfg.MaxSpreadBps) {
		r.stats.WideSpread++
		if r.stats.WideSpread <= 10 || r.cfg.Verbose {
			r.record(Anomaly{
				Timestamp: ts,
				Kind:      AnomalyWideSpread,
				Message:   fmt.Sprintf("wide spread: %s bps", spreadBps.StringFixed(2)),
			})
		}
	}
}

func (r *Reconstructor) record(a Anomaly) {
	r.anomalies = append(r.anomalies, a)
}

// Book returns the live book.
func (r *Reconstructor) Book() *book.Book { return r.book }

// Stats returns the counters so far.
func (r *Reconstructor) Stats() Stats { return r.stats }

// Anomalies returns the recorded observations in replay order.
func (r *Reconstructor) Anomalies() []Anomaly { return r.anomalies }

// MidHistory returns every observed (timestamp, mid) pair.
func (r *Reconstructor) MidHistory() []MidPoint { return r.midHistory }

// PriceTrend summarizes the mid-price path over the replay.
type PriceTrend struct {
	First, Last MidPoint
	Min, Max    decimal.Decimal
	// ChangePct is (last-first)/first in percent.
	ChangePct decimal.Decimal
}

// Summary is the end-of-replay report.
type Summary struct {
	Stats Stats

	BidLevels, AskLevels int
	BestBid, BestAsk     *book.Level
	Mid                  *decimal.Decimal
	SpreadBps            *decimal.Decimal

	AnomalyCount int
	ByKind       map[AnomalyKind]int

	Trend *PriceTrend
}

// Summary builds the report for the current state.
func (r *Reconstructor) Summary() Summary {
	bidDepth, askDepth := r.book.Depth()
	s := Summary{
		Stats:        r.stats,
		BidLevels:    bidDepth,
		AskLevels:    askDepth,
		AnomalyCount: len(r.anomalies),
		ByKind:       make(map[AnomalyKind]int),
	}
	for _, a := range r.anomalies {
		s.ByKind[a.Kind]++
	}

	if bid, ok := r.book.BestBid(); ok {
		s.BestBid = &bid
	}
	if ask, ok := r.book.BestAsk(); ok {
		s.BestAsk = &ask
	}
	if mid, ok := r.book.Mid(); ok {
		s.Mid = &mid
	}
	if bps, ok := r.book.SpreadBps(); ok {
		s.SpreadBps = &bps
	}

	if len(r.midHistory) > 0 {
		trend := &PriceTrend{
			First: r.midHistory[0],
			Last:  r.midHistory[len(r.midHistory)-1],
			Min:   r.midHistory[0].Mid,
			Max:   r.midHistory[0].Mid,
		}
		for _, p := range r.midHistory[1:] {
			if p.Mid.LessThan(trend.Min) {
				trend.Min = p.Mid
			}
			if p.Mid.GreaterThan(trend.Max) {
				trend.Max = p.Mid
			}
		}
		if trend.First.Mid.IsPositive() {
			trend.ChangePct = trend.Last.Mid.Sub(trend.First.Mid).
				Div(trend.First.Mid).Mul(decimal.NewFromInt(100))
		}
		s.Trend = trend
	}
	return s
}
