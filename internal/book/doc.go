// Package book maintains the in-memory L2 order-book state for one market:
// two price→amount maps keyed by the exchange's exact decimal price strings.
//
// A Book is owned by exactly one component (the converter while diffing live
// state, or the reconstructor while replaying a recording) and is not safe
// for concurrent use.
package book
