package model

import "testing"

func TestL2Snapshot_ToUpdates(t *testing.T) {
	snap := L2Snapshot{
		Exchange:       "lighter",
		Symbol:         "ETHUSDT",
		Timestamp:      1731000000000000,
		LocalTimestamp: 1731000000000123,
		Bids: []PriceLevel{
			{Price: "3500.5", Amount: "2"},
			{Price: "3500.0", Amount: "1"},
		},
		Asks: []PriceLevel{
			{Price: "3501.0", Amount: "4"},
		},
	}

	updates := snap.ToUpdates()
	if len(updates) != 3 {
		t.Fatalf("len(updates) = %d, want 3", len(updates))
	}

	for i, u := range updates {
		if !u.IsSnapshot {
			t.Errorf("updates[%d].IsSnapshot = false, want true", i)
		}
		if u.Timestamp != snap.Timestamp {
			t.Errorf("updates[%d].Timestamp = %d, want %d", i, u.Timestamp, snap.Timestamp)
		}
	}

	if updates[0].Side != SideBid || updates[0].Price != "3500.5" {
		t.Errorf("updates[0] = %v %s, want bid 3500.5", updates[0].Side, updates[0].Price)
	}
	if updates[2].Side != SideAsk || updates[2].Price != "3501.0" {
		t.Errorf("updates[2] = %v %s, want ask 3501.0", updates[2].Side, updates[2].Price)
	}
}

func TestL2Snapshot_Best(t *testing.T) {
	snap := L2Snapshot{
		Bids: []PriceLevel{{Price: "100.5", Amount: "1"}},
	}

	if best := snap.BestBid(); best == nil || best.Price != "100.5" {
		t.Errorf("BestBid() = %v, want 100.5", best)
	}
	if best := snap.BestAsk(); best != nil {
		t.Errorf("BestAsk() = %v, want nil for empty side", best)
	}
}
