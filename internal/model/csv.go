package model

import (
	"fmt"
	"strconv"
	"strings"
)

// CSV headers for the persisted normalized streams.
const (
	L2CSVHeader    = "exchange,symbol,timestamp,local_timestamp,is_snapshot,side,price,amount"
	TradeCSVHeader = "exchange,symbol,timestamp,local_timestamp,id,side,price,amount"
)

// CSVRow renders the update as one row of the L2 CSV format.
func (u *L2Update) CSVRow() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(u.Exchange)
	b.WriteByte(',')
	b.WriteString(u.Symbol)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(u.Timestamp, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(u.LocalTimestamp, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatBool(u.IsSnapshot))
	b.WriteByte(',')
	b.WriteString(string(u.Side))
	b.WriteByte(',')
	b.WriteString(u.Price)
	b.WriteByte(',')
	b.WriteString(u.Amount)
	return b.String()
}

// CSVRow renders the trade as one row of the trade CSV format.
func (t *Trade) CSVRow() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(t.Exchange)
	b.WriteByte(',')
	b.WriteString(t.Symbol)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(t.Timestamp, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(t.LocalTimestamp, 10))
	b.WriteByte(',')
	b.WriteString(t.TradeID)
	b.WriteByte(',')
	b.WriteString(string(t.Side))
	b.WriteByte(',')
	b.WriteString(t.Price)
	b.WriteByte(',')
	b.WriteString(t.Amount)
	return b.String()
}

// ParseL2Record parses one record of the L2 CSV format, in header column
// order. Recorded files from other tools may carry extra trailing columns;
// those are ignored.
func ParseL2Record(record []string) (L2Update, error) {
	if len(record) < 8 {
		return L2Update{}, fmt.Errorf("l2 record has %d columns, want 8", len(record))
	}

	ts, err := strconv.ParseInt(record[2], 10, 64)
	if err != nil {
		return L2Update{}, fmt.Errorf("parse timestamp %q: %w", record[2], err)
	}
	localTS, err := strconv.ParseInt(record[3], 10, 64)
	if err != nil {
		return L2Update{}, fmt.Errorf("parse local_timestamp %q: %w", record[3], err)
	}

	isSnapshot := strings.EqualFold(record[4], "true")

	side := Side(record[5])
	if side != SideBid && side != SideAsk {
		return L2Update{}, fmt.Errorf("unknown side %q", record[5])
	}

	return L2Update{
		Exchange:       record[0],
		Symbol:         record[1],
		Timestamp:      ts,
		LocalTimestamp: localTS,
		IsSnapshot:     isSnapshot,
		Side:           side,
		Price:          record[6],
		Amount:         record[7],
	}, nil
}
