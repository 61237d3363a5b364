package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/l2capture/internal/reconstruct"
	"github.com/quantfeed/l2capture/internal/version"
)

func main() {
	top := flag.Int("top", 5, "book levels to display per side")
	verbose := flag.Bool("verbose", false, "record every occurrence of rate-limited anomaly kinds")
	jumpThreshold := flag.Float64("jump-threshold", 100, "mid-price jump threshold in bps")
	maxSpread := flag.Float64("max-spread", 500, "maximum normal spread in bps")
	minDepth := flag.Int("min-depth", 3, "minimum levels per side before flagging thin depth")
	maxAnomalies := flag.Int("max-anomalies", 50, "maximum anomalies to print")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <csv-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fmt.Printf("Processing file: %s\n", path)
	fmt.Printf("Price jump threshold: %.1f bps\n", *jumpThreshold)
	fmt.Println("------------------------------------------------------------")

	cfg := reconstruct.Config{
		JumpThresholdBps: decimal.NewFromFloat(*jumpThreshold),
		MinDepth:         *minDepth,
		MaxSpreadBps:     decimal.NewFromFloat(*maxSpread),
		Verbose:          *verbose,
	}
	r := reconstruct.New(cfg, logger)

	rows, err := reconstruct.ProcessFile(path, r, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone, %d rows\n", rows)
	fmt.Println("============================================================")

	s := r.Summary()

	fmt.Println("\nStats:")
	fmt.Printf("  total updates:       %d\n", s.Stats.TotalUpdates)
	fmt.Printf("  snapshots:           %d\n", s.Stats.Snapshots)
	fmt.Printf("  incremental updates: %d\n", s.Stats.IncrementalUpdates)
	if s.Stats.SkippedRows > 0 {
		fmt.Printf("  skipped rows:        %d\n", s.Stats.SkippedRows)
	}

	fmt.Println("\nAnomaly counters:")
	fmt.Printf("  crossed book:  %d\n", s.Stats.CrossedBook)
	fmt.Printf("  price jumps (>%.0f bps): %d\n", *jumpThreshold, s.Stats.PriceJumps)
	fmt.Printf("  low depth:     %d\n", s.Stats.LowDepth)
	fmt.Printf("  wide spread:   %d\n", s.Stats.WideSpread)

	fmt.Println("\nFinal book:")
	fmt.Printf("  bid levels: %d\n", s.BidLevels)
	fmt.Printf("  ask levels: %d\n", s.AskLevels)
	if s.BestBid != nil {
		fmt.Printf("  best bid:   %s x %s\n", s.BestBid.Price, s.BestBid.Amount)
	} else {
		fmt.Println("  best bid:   n/a")
	}
	if s.BestAsk != nil {
		fmt.Printf("  best ask:   %s x %s\n", s.BestAsk.Price, s.BestAsk.Amount)
	} else {
		fmt.Println("  best ask:   n/a")
	}
	if s.Mid != nil {
		fmt.Printf("  mid price:  %s\n", s.Mid)
	}
	if s.SpreadBps != nil {
		fmt.Printf("  spread:     %s bps\n", s.SpreadBps.StringFixed(2))
	}

	fmt.Printf("\nTop %d levels:\n", *top)
	bids, asks := r.Book().TopN(*top)
	fmt.Println("  Asks:")
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Printf("    %12s | %s\n", asks[i].Key, asks[i].Amount)
	}
	fmt.Println("  -------------------------")
	fmt.Println("  Bids:")
	for _, l := range bids {
		fmt.Printf("    %12s | %s\n", l.Key, l.Amount)
	}

	anomalies := r.Anomalies()
	if len(anomalies) > 0 {
		fmt.Printf("\nAnomalies (showing up to %d):\n", *maxAnomalies)
		shown := 0
		for _, a := range anomalies {
			if shown >= *maxAnomalies {
				fmt.Printf("\n  ... %d more not shown\n", len(anomalies)-shown)
				break
			}
			fmt.Printf("  [%s] [%s] %s\n", formatTimestamp(a.Timestamp), a.Kind, a.Message)
			shown++
		}
	} else {
		fmt.Println("\nNo anomalies, book data looks clean")
	}

	if s.Trend != nil {
		fmt.Println("\nPrice trend:")
		fmt.Printf("  start: %s @ %s\n", formatTimestamp(s.Trend.First.Timestamp), s.Trend.First.Mid)
		fmt.Printf("  end:   %s @ %s\n", formatTimestamp(s.Trend.Last.Timestamp), s.Trend.Last.Mid)
		fmt.Printf("  low:   %s\n", s.Trend.Min)
		fmt.Printf("  high:  %s\n", s.Trend.Max)
		fmt.Printf("  change: %s%%\n", s.Trend.ChangePct.StringFixed(4))
	}
}

// formatTimestamp renders a microsecond timestamp as UTC wall time with
// millisecond precision.
func formatTimestamp(tsMicro int64) string {
	return time.UnixMicro(tsMicro).UTC().Format("2006-01-02 15:04:05.000")
}
