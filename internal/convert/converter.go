package convert

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/l2capture/internal/book"
	"github.com/quantfeed/l2capture/internal/model"
)

// Timestamp magnitude boundaries: values above microsThreshold are already
// microseconds, above millisThreshold are milliseconds, anything else seconds.
const (
	microsThreshold = int64(1_000_000_000_000_000)
	millisThreshold = int64(1_000_000_000_000)
)

// NormalizeTimestamp converts a raw exchange timestamp of unknown unit to
// microseconds, classifying by magnitude. Zero or negative raw values fall
// back to the local receive timestamp.
func NormalizeTimestamp(raw, local int64) int64 {
	switch {
	case raw <= 0:
		return local
	case raw > microsThreshold:
		return raw
	case raw > millisThreshold:
		return raw * 1_000
	default:
		return raw * 1_000_000
	}
}

// Converter normalizes one exchange's order-book messages. It owns the book
// state of every market it has seen and must not be shared across receivers.
type Converter struct {
	exchange string
	symbols  map[int]string
	books    map[string]*book.Book

	clock     func() time.Time
	lastLocal int64
}

// New creates a converter for the named exchange. The symbols map translates
// numeric market ids to symbols for feeds keyed by market id; it may be nil.
func New(exchange string, symbols map[int]string) *Converter {
	return &Converter{
		exchange: exchange,
		symbols:  symbols,
		books:    make(map[string]*book.Book),
		clock:    time.Now,
	}
}

// Symbol resolves a numeric market id to its configured symbol.
func (c *Converter) Symbol(marketID int) string {
	if sym, ok := c.symbols[marketID]; ok {
		return sym
	}
	return fmt.Sprintf("MARKET_%d", marketID)
}

// LocalNow returns the current wall clock in microseconds, clamped to be
// monotonically non-decreasing for the converter's lifetime.
func (c *Converter) LocalNow() int64 {
	now := c.clock().UnixMicro()
	if now < c.lastLocal {
		now = c.lastLocal
	}
	c.lastLocal = now
	return now
}

// Snapshot replaces the market's book wholesale and returns the normalized
// snapshot plus its per-level representation (IsSnapshot=true rows).
func (c *Converter) Snapshot(symbol string, rawTS int64, bids, asks []model.PriceLevel) (model.L2Snapshot, []model.L2Update) {
	local := c.LocalNow()
	ts := NormalizeTimestamp(rawTS, local)

	c.replaceBook(symbol, bids, asks, ts)

	snap := model.L2Snapshot{
		Exchange:       c.exchange,
		Symbol:         symbol,
		Timestamp:      ts,
		LocalTimestamp: local,
		Bids:           bids,
		Asks:           asks,
	}
	return snap, snap.ToUpdates()
}

// Delta handles a message carrying ready-made per-level changes: levels are
// applied to the book and passed through as incremental updates. A market
// with no book yet is treated as a cold start and handled as a snapshot,
// because the first message after (re)subscription may be mislabeled.
func (c *Converter) Delta(symbol string, rawTS int64, bids, asks []model.PriceLevel) []model.L2Update {
	if _, ok := c.books[symbol]; !ok {
		_, updates := c.Snapshot(symbol, rawTS, nonZeroLevels(bids), nonZeroLevels(asks))
		return updates
	}

	local := c.LocalNow()
	ts := NormalizeTimestamp(rawTS, local)
	b := c.books[symbol]

	updates := make([]model.L2Update, 0, len(bids)+len(asks))
	emit := func(side model.Side, levels []model.PriceLevel) {
		for _, level := range levels {
			// Unparseable amounts are dropped here; the receiver reports
			// message-level decode errors separately.
			if b.Apply(side, level.Price, level.Amount, ts) != nil {
				continue
			}
			updates = append(updates, model.L2Update{
				Exchange:       c.exchange,
				Symbol:         symbol,
				Timestamp:      ts,
				LocalTimestamp: local,
				Side:           side,
				Price:          level.Price,
				Amount:         level.Amount,
			})
		}
	}
	emit(model.SideBid, bids)
	emit(model.SideAsk, asks)
	return updates
}

// DiffSnapshot handles feeds that only publish full snapshots. The incoming
// book is diffed against the previous one per side: levels only in the new
// book are inserts, levels only in the old book become "0"-amount deletes,
// changed amounts are updates, and unchanged levels are suppressed entirely.
// The first snapshot for a market is emitted as IsSnapshot=true rows.
//
// The returned snapshot always reflects the full incoming book; the updates
// are the compressed wire representation.
func (c *Converter) DiffSnapshot(symbol string, rawTS int64, bids, asks []model.PriceLevel) (model.L2Snapshot, []model.L2Update) {
	prev, ok := c.books[symbol]
	if !ok {
		return c.Snapshot(symbol, rawTS, bids, asks)
	}

	local := c.LocalNow()
	ts := NormalizeTimestamp(rawTS, local)

	snap := model.L2Snapshot{
		Exchange:       c.exchange,
		Symbol:         symbol,
		Timestamp:      ts,
		LocalTimestamp: local,
		Bids:           bids,
		Asks:           asks,
	}

	var updates []model.L2Update
	emit := func(side model.Side, price, amount string) {
		updates = append(updates, model.L2Update{
			Exchange:       c.exchange,
			Symbol:         symbol,
			Timestamp:      ts,
			LocalTimestamp: local,
			Side:           side,
			Price:          price,
			Amount:         amount,
		})
	}

	newBids := levelMap(bids)
	newAsks := levelMap(asks)
	diffSide(model.SideBid, prev.Bids(), bids, newBids, emit)
	diffSide(model.SideAsk, prev.Asks(), asks, newAsks, emit)

	prev.Replace(newBids, newAsks, ts)
	return snap, updates
}

// diffSide emits inserts/updates for newLevels against old, then deletes for
// old keys absent from the new book.
func diffSide(side model.Side, old map[string]decimal.Decimal, newLevels []model.PriceLevel, newMap map[string]decimal.Decimal, emit func(side model.Side, price, amount string)) {
	for _, level := range newLevels {
		amt, ok := newMap[level.Price]
		if !ok {
			continue // zero or unparseable level
		}
		if prevAmt, exists := old[level.Price]; exists && prevAmt.Equal(amt) {
			continue // no-op suppression
		}
		emit(side, level.Price, level.Amount)
	}
	for price := range old {
		if _, exists := newMap[price]; !exists {
			emit(side, price, "0")
		}
	}
}

// Reset drops the book for one market; the next message is a fresh baseline.
func (c *Converter) Reset(symbol string) {
	delete(c.books, symbol)
}

// ResetAll drops every market's book. Called on reconnect: deltas missed
// during the outage are unrecoverable, so nothing before the reconnect can
// be trusted.
func (c *Converter) ResetAll() {
	c.books = make(map[string]*book.Book)
}

// Book returns the converter's book for a market, or nil if none exists.
// Exposed for best-of-book queries by external collaborators.
func (c *Converter) Book(symbol string) *book.Book {
	return c.books[symbol]
}

func (c *Converter) replaceBook(symbol string, bids, asks []model.PriceLevel, ts int64) {
	b, ok := c.books[symbol]
	if !ok {
		b = book.New()
		c.books[symbol] = b
	}
	b.Replace(levelMap(bids), levelMap(asks), ts)
}

// levelMap builds a price→amount map, skipping zero-amount and unparseable
// levels; only resting liquidity belongs in the book.
func levelMap(levels []model.PriceLevel) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(levels))
	for _, level := range levels {
		amt, err := decimal.NewFromString(level.Amount)
		if err != nil || amt.IsZero() {
			continue
		}
		m[level.Price] = amt
	}
	return m
}

func nonZeroLevels(levels []model.PriceLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for _, level := range levels {
		amt, err := decimal.NewFromString(level.Amount)
		if err != nil || amt.IsZero() {
			continue
		}
		out = append(out, level)
	}
	return out
}
