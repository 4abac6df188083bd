// Package linkd parses link service flags and launches the service.
package linkd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/baytro/tenantlink/internal/linking/storage/sqlite"
	"github.com/baytro/tenantlink/internal/linkserver"
	entrypoint "github.com/baytro/tenantlink/internal/platform/cmd"
)

const shutdownTimeout = 5 * time.Second

// Config holds link service command configuration.
type Config struct {
	Port            int           `env:"BAYTRO_LINKD_PORT" envDefault:"8080"`
	DBPath          string        `env:"BAYTRO_LINKD_DB_PATH" envDefault:"linkd.db"`
	SessionTTL      time.Duration `env:"BAYTRO_LINKD_SESSION_TTL" envDefault:"5m"`
	JanitorInterval time.Duration `env:"BAYTRO_LINKD_JANITOR_INTERVAL" envDefault:"1m"`
	// AuthTokens maps bearer tokens to user ids, as "token:userID" pairs
	// separated by commas. Local-run substitute for the identity provider.
	AuthTokens map[string]string `env:"BAYTRO_LINKD_AUTH_TOKENS"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The link service HTTP port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to the SQLite database file")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Lifetime of a generated linking session")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "How often stale sessions are expired")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the link service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLinkd, func(context.Context) error {
		return serve(ctx, cfg)
	})
}

func serve(ctx context.Context, cfg Config) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	server, err := linkserver.NewServer(linkserver.Config{
		Store:      store,
		Auth:       linkserver.StaticAuthenticator(cfg.AuthTokens),
		SessionTTL: cfg.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	go server.RunJanitor(ctx, cfg.JanitorInterval)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Printf("link service listening on :%d", cfg.Port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
