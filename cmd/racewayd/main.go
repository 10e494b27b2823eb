// Command racewayd runs the raceway engine and HTTP API as a daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mode7labs/raceway/engine"
	"github.com/mode7labs/raceway/engine/sink"
	"github.com/mode7labs/raceway/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	capacity := flag.Int("trace-capacity", 0, "max resident traces (overrides RACEWAY_TRACE_CAPACITY)")
	quiescence := flag.Duration("quiescence", 0, "trace quiescence window (overrides RACEWAY_QUIESCENCE_SECONDS)")
	snapshotPath := flag.String("snapshot-path", "", "append completed-trace snapshots to this file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := engine.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "racewayd: %v\n", err)
		return 2
	}
	if *capacity > 0 {
		cfg.TraceCapacity = *capacity
	}
	if *quiescence > 0 {
		cfg.Quiescence = *quiescence
	}
	if *snapshotPath != "" {
		cfg.SnapshotPath = *snapshotPath
	}

	snk, err := buildSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "racewayd: %v\n", err)
		return 2
	}

	eng := engine.New(cfg, logger.With(slog.String("component", "engine")), snk)
	eng.Start()
	defer eng.Close()

	srv := server.New(eng, logger.With(slog.String("component", "server")))

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "racewayd: listen: %v\n", err)
		return 1
	}
	logger.Info("racewayd listening", slog.String("addr", ln.Addr().String()))

	httpSrv := &http.Server{Handler: srv}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serveErr:
		fmt.Fprintf(os.Stderr, "racewayd: serve error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	return 0
}

// buildSink assembles the configured snapshot sinks; none configured
// means snapshots are discarded.
func buildSink(cfg engine.Config) (sink.Sink, error) {
	var sinks sink.Multi

	if cfg.SnapshotPath != "" {
		f, err := sink.NewFile(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if cfg.S3Bucket != "" {
		s3sink, err := sink.NewS3(sink.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3sink)
	}

	if len(sinks) == 0 {
		return sink.Discard{}, nil
	}
	return sinks, nil
}
