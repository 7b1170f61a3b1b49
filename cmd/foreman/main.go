package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/foreman-dev/foreman/internal/bus"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/coordinator"
	"github.com/foreman-dev/foreman/internal/ipc"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/resource"
	"github.com/foreman-dev/foreman/internal/snapshot"
	"github.com/foreman-dev/foreman/internal/store"
	"github.com/foreman-dev/foreman/internal/vault"
	"github.com/foreman-dev/foreman/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("foreman %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: foreman <command>\n\nCommands:\n  gateway    Start the foreman coordination service\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting foreman gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Snapshot codec, sealed when a vault passphrase is configured
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
		slog.Info("snapshot encryption enabled")
	}
	codec := snapshot.NewCodec(v)

	// Embedded NATS
	b, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer b.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Coordinator over the workspace filesystem
	fs := resource.NewFS(cfg.Coordinator.Workspace)
	coord, err := coordinator.New(coordinator.Options{
		Config:   cfg.Coordinator,
		KV:       db,
		Codec:    codec,
		Observer: fs,
		Content:  fs,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	defer coord.Close()
	coord.Start(ctx)
	slog.Info("coordinator started", "session", coord.Session(), "workspace", cfg.Coordinator.Workspace)

	// IPC gateway and event bridge
	client, err := bus.NewClient(b)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()

	gw, err := ipc.NewGateway(coord, client)
	if err != nil {
		return fmt.Errorf("init ipc gateway: %w", err)
	}
	defer gw.Close()
	ipc.Bridge(client, coord.Events())
	slog.Info("ipc gateway started")

	// Telegram notifier
	var notifier *notify.Notifier
	if cfg.Telegram.Token != "" {
		notifier, err = notify.New(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		go notifier.Run(ctx, coord.Events())
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(coord, b, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown or reload signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			cancel()
			return nil
		}
		cfg = reload(cfg, coord, notifier)
	}
}

// reload re-reads the config file and applies the reloadable parts to
// the running services. Non-reloadable changes are logged and ignored.
func reload(old *config.Config, coord *coordinator.Coordinator, notifier *notify.Notifier) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, no reloadable changes")
		return next
	}

	if diff.TimingChanged {
		coord.UpdateTiming(diff.NewTiming)
		slog.Info("coordinator timing updated",
			"lock_ttl", diff.NewTiming.LockTTL.Std(),
			"heartbeat_interval", diff.NewTiming.HeartbeatInterval.Std())
	}
	if diff.ChatIDChanged && notifier != nil {
		notifier.SetChatID(diff.NewChatID)
		slog.Info("telegram chat updated", "chat_id", diff.NewChatID)
	}
	return next
}
