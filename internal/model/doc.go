// Package model defines the vendor-neutral L2 event types shared by the
// stream receiver, converter, sinks, and the offline reconstructor.
//
// All timestamps are microseconds since the Unix epoch. Prices and amounts
// are carried as the exact decimal strings emitted by the exchange; they are
// never converted to floating point. An amount of "0" in an incremental
// update is the removal sentinel for that price level.
package model
