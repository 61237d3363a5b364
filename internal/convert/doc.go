// Package convert turns exchange-native order-book messages into ordered
// sequences of normalized L2 events.
//
// The converter keeps minimal per-market book state so that feeds which only
// publish full snapshots can still be recorded as compact incremental
// streams: consecutive snapshots are diffed against the previous book and
// only changed levels are emitted.
package convert
