// Package server wires election, replication, transport, log and state
// machine into one addressable node and runs it.
package server

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docraft/docraft/internal/config"
	"github.com/docraft/docraft/internal/docdb"
	"github.com/docraft/docraft/internal/docsm"
	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/httpapi"
	"github.com/docraft/docraft/internal/raft"
	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
	"github.com/docraft/docraft/internal/wal"
)

// Run wires together the node components and serves until interrupted.
func Run() error {
	configPath := flag.String("config", "docraft.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", "", "listen address override (defaults to node.address host:port)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	logger = logger.With("node_id", cfg.Node.ID)
	nodeID := types.NodeID(cfg.Node.ID)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Durable log: file-backed WAL under the raft log manager.
	walManager, err := wal.OpenFileManager(filepath.Join(cfg.Node.DataDir, "raft.wal"), logger)
	if err != nil {
		return err
	}
	defer walManager.Close()

	logManager := raftlog.New(walManager, logger)
	if err := logManager.Recover(); err != nil {
		return err
	}

	store := docstore.New()
	sm := docsm.New(store, nodeID, cfg.Node.SnapshotInterval, logger)

	resolver := transport.NewPeerResolver(cfg.PeerMap())
	tp := transport.NewHTTPTransport(resolver)
	client := transport.NewClient(tp, cfg.PeerIDs(), transport.RetryPolicy{
		MaxAttempts:        cfg.Network.MaxAttempts,
		CallTimeout:        time.Duration(cfg.Network.CallTimeoutMS) * time.Millisecond,
		BaseBackoff:        time.Duration(cfg.Network.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Network.MaxBackoffMS) * time.Millisecond,
		PartitionThreshold: cfg.Network.PartitionThreshold,
		ProbeInterval:      time.Duration(cfg.Network.ProbeIntervalMS) * time.Millisecond,
	}, logger)

	stable := raft.NewFileStableStore(filepath.Join(cfg.Node.DataDir, "stable.json"))

	node, err := raft.NewNode(raft.Config{
		ID:    nodeID,
		Peers: cfg.PeerIDs(),
		Addr:  cfg.Node.Address,
		Timing: raft.TimingConfig{
			ElectionTimeoutMin: cfg.ElectionTimeoutMin(),
			ElectionTimeoutMax: cfg.ElectionTimeoutMax(),
			HeartbeatInterval:  cfg.HeartbeatInterval(),
		},
		BatchSize: cfg.Replication.BatchSize,
	}, logManager, sm, client, stable, logger)
	if err != nil {
		return err
	}

	db := docdb.New(node, sm)
	api := httpapi.New(db)

	r := chi.NewRouter()
	r.Mount("/raft", transport.NewHTTPServer(node).Router())
	r.Mount("/v1", api.Handler())

	addr := *listen
	if addr == "" {
		addr, err = listenAddr(cfg.Node.Address)
		if err != nil {
			return err
		}
	}
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("node started", "addr", addr, "peers", len(cfg.PeerIDs()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(shutdownCtx); err != nil {
			logger.Error("node stop failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	}
}

// listenAddr extracts host:port from the advertised node address, which peers
// use as a URL.
func listenAddr(advertised string) (string, error) {
	if !strings.Contains(advertised, "://") {
		return advertised, nil
	}
	u, err := url.Parse(advertised)
	if err != nil {
		return "", fmt.Errorf("parse node address %q: %w", advertised, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("node address %q has no host", advertised)
	}
	return u.Host, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
