package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-sync-queue/internal/bootstrap"
	"github.com/Guizzs26/go-sync-queue/internal/config"
	"github.com/Guizzs26/go-sync-queue/internal/db"
	"github.com/Guizzs26/go-sync-queue/internal/registry"
	"github.com/Guizzs26/go-sync-queue/internal/service"
	"github.com/Guizzs26/go-sync-queue/pkg/infra"

	"github.com/spf13/cobra"
)

var (
	ownerID string
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate the offline mutation queue",
	Long: `syncctl inspects and drives the sync queue directly against the configured
queue store (STORE_DRIVER, DATABASE_URL, SQLITE_PATH). Commands that write to the
canonical store (process, retry, resolve, drain) also connect to FIREBIRD_URL.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner (caller) id the command acts as")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// session is the object graph one command runs against
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *service.QueueService
	closers []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openSession connects to the queue store and, when canonical is set, to Firebird
func openSession(ctx context.Context, canonical bool) (*session, error) {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	s := &session{cfg: cfg, logger: logger}

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	s.closers = append(s.closers, store.Close)

	reg := registry.New()
	if canonical {
		fb, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to Firebird: %w", err)
		}
		s.closers = append(s.closers, fb.Close)

		if reg, err = bootstrap.NewRegistry(fb, cfg.ApplyTimeout); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.svc = bootstrap.NewQueueService(cfg, store, reg, logger)
	return s, nil
}

func requireOwner() error {
	if ownerID == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
