package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/l2capture/internal/model"
)

var bpsFactor = decimal.NewFromInt(10000)

// Level is one resolved price level. Key is the original price string as the
// exchange emitted it; Price is its exact decimal value.
type Level struct {
	Key    string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Book holds both sides of one market's L2 book. Only levels with a non-zero
// amount are present.
type Book struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal

	// Exchange timestamp (µs) of the most recently applied update. Used by
	// the reconstructor to delimit snapshot batches.
	lastTimestamp int64
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// Apply upserts one price level; an amount of "0" removes it.
func (b *Book) Apply(side model.Side, price, amount string, timestamp int64) error {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", amount, err)
	}

	levels := b.side(side)
	if amt.IsZero() {
		delete(levels, price)
	} else {
		levels[price] = amt
	}
	b.lastTimestamp = timestamp
	return nil
}

// Replace swaps in entirely new level maps. The maps are owned by the book
// after the call.
func (b *Book) Replace(bids, asks map[string]decimal.Decimal, timestamp int64) {
	b.bids = bids
	b.asks = asks
	b.lastTimestamp = timestamp
}

// Reset clears both sides.
func (b *Book) Reset() {
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
}

// LastTimestamp returns the exchange timestamp of the last applied update.
func (b *Book) LastTimestamp() int64 { return b.lastTimestamp }

// Depth returns the number of resting levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Bids returns the bid side as a read-only view.
func (b *Book) Bids() map[string]decimal.Decimal { return b.bids }

// Asks returns the ask side as a read-only view.
func (b *Book) Asks() map[string]decimal.Decimal { return b.asks }

func (b *Book) side(s model.Side) map[string]decimal.Decimal {
	if s == model.SideBid {
		return b.bids
	}
	return b.asks
}

// BestBid returns the maximum-price bid level. Comparison is numeric, not
// lexical; "99.5" never beats "100".
func (b *Book) BestBid() (Level, bool) {
	return bestLevel(b.bids, func(candidate, current decimal.Decimal) bool {
		return candidate.GreaterThan(current)
	})
}

// BestAsk returns the minimum-price ask level.
func (b *Book) BestAsk() (Level, bool) {
	return bestLevel(b.asks, func(candidate, current decimal.Decimal) bool {
		return candidate.LessThan(current)
	})
}

func bestLevel(levels map[string]decimal.Decimal, better func(candidate, current decimal.Decimal) bool) (Level, bool) {
	var best Level
	found := false
	for key, amount := range levels {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if !found || better(price, best.Price) {
			best = Level{Key: key, Price: price, Amount: amount}
			found = true
		}
	}
	return best, found
}

// Mid returns the mid price, or false if either side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best ask minus best bid, or false if either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// SpreadBps returns the spread in basis points of the mid price.
func (b *Book) SpreadBps() (decimal.Decimal, bool) {
	mid, ok := b.Mid()
	if !ok || !mid.IsPositive() {
		return decimal.Decimal{}, false
	}
	spread, _ := b.Spread()
	return spread.Div(mid).Mul(bpsFactor), true
}

// TopN returns up to n levels per side: bids descending, asks ascending.
func (b *Book) TopN(n int) (bids, asks []Level) {
	bids = sortedLevels(b.bids, true)
	asks = sortedLevels(b.asks, false)
	if n > 0 && len(bids) > n {
		bids = bids[:n]
	}
	if n > 0 && len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

func sortedLevels(levels map[string]decimal.Decimal, descending bool) []Level {
	out := make([]Level, 0, len(levels))
	for key, amount := range levels {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		out = append(out, Level{Key: key, Price: price, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
