package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/l2capture/internal/config"
	"github.com/quantfeed/l2capture/internal/database"
	"github.com/quantfeed/l2capture/internal/logging"
	"github.com/quantfeed/l2capture/internal/model"
	"github.com/quantfeed/l2capture/internal/sink"
	"github.com/quantfeed/l2capture/internal/stream"
	"github.com/quantfeed/l2capture/internal/version"
)

const stopTimeout = 15 * time.Second

// feedRuntime ties one receiver to its sinks.
type feedRuntime struct {
	receiver *stream.Receiver

	bookSink  *sink.BookCSV
	tradeSink *sink.TradeCSV
	snapSink  *sink.SnapshotCSV

	updateBuf *sink.Buffer[model.L2Update]
	tradeBuf  *sink.Buffer[model.Trade]
	snapBuf   *sink.Buffer[model.L2Snapshot]

	forwarders []stage
}

// stage is the common lifecycle of the sink pipeline pieces.
type stage interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "configs/capture.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Bootstrap logger until the configured one is up.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting capture",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"feeds", len(cfg.Feeds),
	)

	if err := os.MkdirAll(cfg.Sink.Dir, 0o755); err != nil {
		logger.Error("failed to create sink directory", "dir", cfg.Sink.Dir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional Postgres sink, shared across feeds.
	var (
		pool        *pgxpool.Pool
		pgUpdateBuf *sink.Buffer[model.L2Update]
		pgTradeBuf  *sink.Buffer[model.Trade]
		pgWriter    *sink.PGWriter
	)
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgUpdateBuf = sink.NewBuffer[model.L2Update](cfg.Sink.BufferSize)
		pgTradeBuf = sink.NewBuffer[model.Trade](cfg.Sink.BufferSize)
		pgWriter = sink.NewPGWriter(sink.PGConfig{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, pgUpdateBuf, pgTradeBuf, pool, logger)
		if err := pgWriter.Start(ctx); err != nil {
			logger.Error("failed to start postgres writer", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected")
	}

	runtimes := make([]*feedRuntime, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		rt, err := buildFeed(ctx, cfg, feed, pgUpdateBuf, pgTradeBuf, logger)
		if err != nil {
			logger.Error("failed to build feed", "exchange", feed.Exchange, "error", err)
			os.Exit(1)
		}
		runtimes = append(runtimes, rt)
		go rt.receiver.Run(ctx)
		logger.Info("feed started", "exchange", feed.Exchange, "markets", len(feed.Markets))
	}

	logger.Info("capture running", "instance_id", cfg.Instance.ID, "dir", cfg.Sink.Dir)

	<-ctx.Done()
	logger.Info("shutting down...")

	for _, rt := range runtimes {
		rt.receiver.Stop()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	var bookRows, tradeRows, snapRows int64
	for _, rt := range runtimes {
		rt.updateBuf.Close()
		rt.tradeBuf.Close()
		if rt.snapBuf != nil {
			rt.snapBuf.Close()
		}
		for _, f := range rt.forwarders {
			f.Stop(stopCtx)
		}
		rt.bookSink.Close()
		rt.tradeSink.Close()
		if rt.snapSink != nil {
			rt.snapSink.Close()
		}
		bookRows += rt.bookSink.Rows()
		tradeRows += rt.tradeSink.Rows()
		if rt.snapSink != nil {
			snapRows += rt.snapSink.Rows()
		}
	}

	if pgWriter != nil {
		pgUpdateBuf.Close()
		pgTradeBuf.Close()
		pgWriter.Stop(stopCtx)
		stats := pgWriter.Stats()
		logger.Info("postgres totals",
			"update_inserts", stats.UpdateInserts,
			"trade_inserts", stats.TradeInserts,
			"conflicts", stats.Conflicts,
		)
	}

	logger.Info("capture stopped",
		"book_rows", bookRows,
		"trade_rows", tradeRows,
		"snapshot_rows", snapRows,
	)
}

// buildFeed wires one receiver to its CSV sinks and, when present, the
// shared Postgres buffers.
func buildFeed(
	ctx context.Context,
	cfg *config.CaptureConfig,
	feed config.FeedConfig,
	pgUpdateBuf *sink.Buffer[model.L2Update],
	pgTradeBuf *sink.Buffer[model.Trade],
	logger *slog.Logger,
) (*feedRuntime, error) {
	csvCfg := sink.CSVConfig{
		Dir:        cfg.Sink.Dir,
		Exchange:   feed.Exchange,
		Compress:   cfg.Sink.Compress,
		FlushEvery: cfg.Sink.FlushEvery,
	}

	rt := &feedRuntime{
		bookSink:  sink.NewBookCSV(csvCfg, logger),
		tradeSink: sink.NewTradeCSV(csvCfg, logger),
		updateBuf: sink.NewBuffer[model.L2Update](cfg.Sink.BufferSize),
		tradeBuf:  sink.NewBuffer[model.Trade](cfg.Sink.BufferSize),
	}

	updateFwd := sink.NewForwarder(rt.updateBuf, rt.bookSink.Write, logger)
	tradeFwd := sink.NewForwarder(rt.tradeBuf, rt.tradeSink.Write, logger)
	rt.forwarders = append(rt.forwarders, updateFwd, tradeFwd)

	if cfg.Sink.WriteSnapshots {
		rt.snapSink = sink.NewSnapshotCSV(csvCfg, logger)
		rt.snapBuf = sink.NewBuffer[model.L2Snapshot](cfg.Sink.BufferSize)
		snapFwd := sink.NewForwarder(rt.snapBuf, rt.snapSink.Write, logger)
		rt.forwarders = append(rt.forwarders, snapFwd)
	}

	for _, f := range rt.forwarders {
		if err := f.Start(ctx); err != nil {
			return nil, err
		}
	}

	streamCfg := stream.DefaultConfig()
	streamCfg.URL = feed.URL
	streamCfg.Exchange = feed.Exchange
	streamCfg.Envelope = stream.Envelope(feed.Envelope)
	streamCfg.BearerToken = feed.BearerToken
	streamCfg.SnapshotLevels = feed.SnapshotLevels
	streamCfg.SnapshotFrequency = feed.SnapshotFrequency
	streamCfg.SnapshotMinDelta = feed.SnapshotMinDelta
	streamCfg.ReconnectInterval = feed.ReconnectInterval
	streamCfg.HeartbeatTimeout = feed.HeartbeatTimeout
	streamCfg.HeartbeatInterval = feed.HeartbeatInterval
	for _, m := range feed.Markets {
		streamCfg.Markets = append(streamCfg.Markets, stream.Market{ID: m.ID, Symbol: m.Symbol})
	}
	for _, ch := range feed.Channels {
		streamCfg.Feeds = append(streamCfg.Feeds, stream.FeedKind(ch))
	}

	handlers := stream.Handlers{
		OnUpdate: func(u model.L2Update) {
			rt.updateBuf.Push(u)
			if pgUpdateBuf != nil {
				pgUpdateBuf.Push(u)
			}
		},
		OnTrade: func(t model.Trade) {
			rt.tradeBuf.Push(t)
			if pgTradeBuf != nil {
				pgTradeBuf.Push(t)
			}
		},
		OnError: func(err error) {
			logger.Warn("feed error", "exchange", feed.Exchange, "error", err)
		},
	}
	if rt.snapBuf != nil {
		handlers.OnSnapshot = func(s model.L2Snapshot) {
			rt.snapBuf.Push(s)
		}
	}

	rt.receiver = stream.New(streamCfg, handlers, logger)
	return rt, nil
}
