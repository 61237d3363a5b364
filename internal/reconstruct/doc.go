// Package reconstruct replays recorded L2 rows into an order book and
// flags data-quality anomalies along the way. Anomalies are observations
// about the data, not errors; a replay always runs to the end of the
// input.
package reconstruct
