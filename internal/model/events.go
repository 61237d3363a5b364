package model

// Side identifies which side of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// TradeSide is the taker side of an executed trade.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// PriceLevel is a single aggregated price level.
type PriceLevel struct {
	Price  string // exact decimal string
	Amount string // exact decimal string; "0" only as a removal sentinel
}

// L2Update is one normalized incremental change to a single price level.
// A full snapshot is representable as a batch of L2Updates with
// IsSnapshot=true; this is the canonical persisted form (one row per level).
type L2Update struct {
	Exchange       string
	Symbol         string
	Timestamp      int64 // exchange time, µs (local time if exchange omitted it)
	LocalTimestamp int64 // receiver wall clock at processing time, µs
	IsSnapshot     bool
	Side           Side
	Price          string
	Amount         string // "0" removes the level
}

// L2Snapshot is a complete book state at a point in time.
type L2Snapshot struct {
	Exchange       string
	Symbol         string
	Timestamp      int64
	LocalTimestamp int64
	Bids           []PriceLevel // descending by price
	Asks           []PriceLevel // ascending by price
}

// ToUpdates expands the snapshot into per-level updates with IsSnapshot=true,
// bids first, preserving level order.
func (s *L2Snapshot) ToUpdates() []L2Update {
	updates := make([]L2Update, 0, len(s.Bids)+len(s.Asks))
	for _, level := range s.Bids {
		updates = append(updates, L2Update{
			Exchange:       s.Exchange,
			Symbol:         s.Symbol,
			Timestamp:      s.Timestamp,
			LocalTimestamp: s.LocalTimestamp,
			IsSnapshot:     true,
			Side:           SideBid,
			Price:          level.Price,
			Amount:         level.Amount,
		})
	}
	for _, level := range s.Asks {
		updates = append(updates, L2Update{
			Exchange:       s.Exchange,
			Symbol:         s.Symbol,
			Timestamp:      s.Timestamp,
			LocalTimestamp: s.LocalTimestamp,
			IsSnapshot:     true,
			Side:           SideAsk,
			Price:          level.Price,
			Amount:         level.Amount,
		})
	}
	return updates
}

// BestBid returns the first bid level, or nil if the bid side is empty.
func (s *L2Snapshot) BestBid() *PriceLevel {
	if len(s.Bids) == 0 {
		return nil
	}
	return &s.Bids[0]
}

// BestAsk returns the first ask level, or nil if the ask side is empty.
func (s *L2Snapshot) BestAsk() *PriceLevel {
	if len(s.Asks) == 0 {
		return nil
	}
	return &s.Asks[0]
}

// Trade is a normalized executed trade.
type Trade struct {
	Exchange       string
	Symbol         string
	Timestamp      int64 // exchange time, µs
	LocalTimestamp int64 // receive time, µs
	TradeID        string
	Side           TradeSide
	Price          string
	Amount         string
}
