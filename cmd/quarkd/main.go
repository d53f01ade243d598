// Command quarkd runs one silo process of a Quark cluster: the activation
// engine, membership gossip, reminder scheduler and inter-silo transport
// described by spec §4, plus the admin-introspection RPC cmd/quarkctl talks
// to. It follows the teacher's cmd/substrated wiring shape -- parse flags,
// build the logging backend, open storage, construct every long-lived
// collaborator once, then block until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/adminrpc"
	"github.com/quarkrun/quark/internal/build"
	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/quarklog"
	"github.com/quarkrun/quark/internal/reminder"
	"github.com/quarkrun/quark/internal/silo"
	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/quarkrun/quark/internal/store"
	"github.com/quarkrun/quark/internal/transport/grpcremote"
)

func main() {
	defaults := siloconfig.DefaultSiloConfig()

	var (
		siloID         = flag.String("silo-id", "", "Unique id for this silo (default: <hostname>-<pid>)")
		listenAddr     = flag.String("listen", defaults.ListenAddr, "Envelope-stream gRPC address, advertised to peers via membership")
		adminAddr      = flag.String("admin-listen", "127.0.0.1:7947", "Admin-introspection gRPC address for quarkctl (empty to disable)")
		dbPath         = flag.String("db", "~/.quark/quark.db", "Path to SQLite database backing membership and reminders")
		logDir         = flag.String("log-dir", "~/.quark/logs", "Directory for log files (empty to disable file logging)")
		logLevel       = flag.String("log-level", defaults.LogLevel, "Logging level (trace, debug, info, warn, error, critical, off)")
		maxLogFiles    = flag.Int("max-log-files", build.DefaultMaxLogFiles, "Maximum number of rotated log files to keep")
		maxLogFileSize = flag.Int("max-log-file-size", build.DefaultMaxLogFileSize, "Maximum log file size in MB before rotation")
	)
	flag.Parse()

	dbPathExpanded := expandHome(*dbPath)
	logDirExpanded := expandHome(*logDir)

	var logRotator *build.RotatingLogWriter
	if logDirExpanded != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDirExpanded,
			MaxLogFiles:    *maxLogFiles,
			MaxLogFileSize: *maxLogFileSize,
		})
		if err != nil {
			log.Printf("Failed to init log rotator: %v (continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()
		}
	}

	// Build the console + rotating-file btclog handlers and fan every
	// package's subsystem logger out from their combination, mirroring the
	// teacher's dual-stream logging setup.
	var handlers []btclogv2.Handler
	handlers = append(handlers, btclogv2.NewDefaultHandler(os.Stderr))
	if logRotator != nil {
		handlers = append(handlers, btclogv2.NewDefaultHandler(logRotator))
	}

	combined := build.NewHandlerSet(handlers...)
	if lvl, ok := btclog.LevelFromString(*logLevel); ok {
		combined.SetLevel(lvl)
	}

	quarklog.SetRoot(btclogv2.NewSLogger(combined))

	log.Printf("quarkd version %s commit=%s go=%s", versionString(), commitString(), build.GoVersion)

	sqliteStore, err := store.NewSqliteStore(&store.SqliteConfig{DatabaseFileName: dbPathExpanded})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqliteStore.Close()

	cfg := defaults
	if *siloID != "" {
		cfg.SiloID = *siloID
	} else {
		cfg.SiloID = randomSiloID()
	}
	cfg.ListenAddr = *listenAddr
	cfg.LogDir = logDirExpanded
	cfg.LogLevel = *logLevel

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	membershipTable := membership.NewSqliteTable(sqliteStore.Store)
	reminderTable := reminder.NewSqliteTable(sqliteStore.Store)

	// factories and codecs are left empty: this binary hosts the generic
	// silo runtime described by spec §4, not any particular actor type.
	// Both registries are local to main and nothing in this binary
	// registers into them, so every request dispatched to this silo is
	// answered with UnknownActorType.
	factories := silo.NewFactoryRegistry()
	codecs := codec.NewRegistry()

	deliverer := &lazyDeliverer{}

	clientCfg := grpcremote.DefaultClientConfig(cfg.SiloID)
	client := grpcremote.NewClient(clientCfg, deliverer)
	defer client.Close()

	serverCfg := grpcremote.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	server := grpcremote.NewServer(serverCfg, deliverer)

	coordinator := silo.NewCoordinator(silo.CoordinatorConfig{
		SiloID:          cfg.SiloID,
		Endpoint:        cfg.ListenAddr,
		Factories:       factories,
		Codecs:          codecs,
		MembershipTable: membershipTable,
		ReminderTable:   reminderTable,
		RemoteSender:    client,
		ReplySender:     server,
		OriginExtractor: grpcremote.PeerSiloID,
		Silo:            cfg,
	})

	deliverer.set(coordinator)

	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start envelope transport server: %v", err)
	}
	defer server.Stop()

	var adminServer *adminrpc.Server
	if *adminAddr != "" {
		adminServer = adminrpc.NewServer(coordinator)
		if err := adminServer.Start(*adminAddr); err != nil {
			log.Fatalf("Failed to start admin server: %v", err)
		}
		defer adminServer.Stop()

		log.Printf("quarkd admin RPC listening on %s", *adminAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received %v, initiating graceful shutdown (send again to force exit)...", sig)
		cancel()

		sig = <-sigCh
		log.Printf("Received %v again, forcing immediate exit", sig)
		os.Exit(1)
	}()

	log.Printf("quarkd silo %q listening on %s", cfg.SiloID, cfg.ListenAddr)

	if err := coordinator.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Coordinator exited: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Printf("Coordinator shutdown incomplete: %v", err)
	}
}

// lazyDeliverer breaks the construction cycle between grpcremote's
// Client/Server (which need a Deliverer at construction) and
// silo.Coordinator (which needs the Client/Server as RemoteSender/
// ReplySender at construction, and only then exists to deliver into).
// set is called once, immediately after NewCoordinator returns.
type lazyDeliverer struct {
	mu     sync.Mutex
	target interface {
		Deliver(ctx context.Context, env *envelope.Envelope) error
	}
}

func (d *lazyDeliverer) set(target interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

func (d *lazyDeliverer) Deliver(ctx context.Context, env *envelope.Envelope) error {
	d.mu.Lock()
	target := d.target
	d.mu.Unlock()

	if target == nil {
		return fmt.Errorf("quarkd: envelope delivered before coordinator was ready")
	}

	return target.Deliver(ctx, env)
}

func expandHome(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == path && len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		expanded = home + path[1:]
	}

	return expanded
}

func randomSiloID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "silo"
	}

	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func versionString() string {
	if build.Version != "" {
		return build.Version
	}

	return "dev"
}

func commitString() string {
	if build.Commit != "" {
		return build.Commit
	}

	return "dev"
}
