package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/meridian-labs/meridian/pkg/agent"
	"github.com/meridian-labs/meridian/pkg/checks"
	"github.com/meridian-labs/meridian/pkg/config"
	"github.com/meridian-labs/meridian/pkg/idp"
	"github.com/meridian-labs/meridian/pkg/keys"
	"github.com/meridian-labs/meridian/pkg/observability"
	"github.com/meridian-labs/meridian/pkg/store"
	"github.com/meridian-labs/meridian/pkg/ticket"
)

// Startup deadlines for the dependencies the agent cannot run without.
const (
	postgresDeadline  = 300 * time.Second
	keycloakDeadline  = 300 * time.Second
	ticketingDeadline = 120 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := config.EnvFromOS()

	cfg, err := config.LoadControls(env.ConfigPath)
	if err != nil {
		log.Fatalf("load controls: %v", err)
	}
	products, err := config.LoadProducts(env.ProductsPath)
	if err != nil {
		log.Fatalf("load products: %v", err)
	}

	pair, err := keys.LoadOrGenerate(env.PrivateKeyPath(), env.PublicKeyPath())
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	slog.Info("signing key ready", "public_key", pair.PublicKeyHex())

	db, err := openPostgres(ctx, env.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer func() { _ = db.Close() }()

	idpClient := idp.New(env.KeycloakURL, cfg.Agent.Realm, env.KeycloakAdmin, env.KeycloakAdminPass)
	if err := agent.WaitFor(ctx, "keycloak", keycloakDeadline, idpClient.Ping); err != nil {
		log.Fatalf("keycloak: %v", err)
	}

	tickets := ticket.New(env.TicketingURL)
	if err := agent.WaitFor(ctx, "ticketing", ticketingDeadline, tickets.Ping); err != nil {
		log.Fatalf("ticketing: %v", err)
	}

	st := store.New(db, store.DialectPostgres)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	merkleLog, err := agent.RebuildMerkleLog(ctx, st)
	if err != nil {
		log.Fatalf("rebuild merkle log: %v", err)
	}
	slog.Info("merkle log rebuilt", "leaves", merkleLog.Count())

	obs, err := observability.New(ctx, obsConfig())
	if err != nil {
		log.Fatalf("observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	deps := agent.Deps{
		Config:   cfg,
		Products: products,
		Checker:  checks.NewChecker(idpClient),
		Store:    st,
		Tickets:  tickets,
		Pair:     pair,
		Log:      merkleLog,
		Obs:      obs,
	}
	runner := agent.NewRunner(deps)

	interval := time.Duration(cfg.Agent.RunIntervalSeconds) * time.Second
	slog.Info("agent started", "realm", cfg.Agent.Realm,
		"controls", len(cfg.Controls), "interval", interval)

	for {
		if err := runner.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("shutting down")
				return
			}
			slog.Error("cycle failed, re-establishing database connection", "err", err)
			_ = db.Close()
			db, err = openPostgres(ctx, env.PostgresDSN)
			if err != nil {
				log.Fatalf("postgres reconnect: %v", err)
			}
			// The Merkle log survives the reconnect; persisted leaves and the
			// in-memory tree stayed consistent through the failed cycle.
			deps.Store = store.New(db, store.DialectPostgres)
			runner = agent.NewRunner(deps)
		}

		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-time.After(interval):
		}
	}
}

// openPostgres opens the pool and blocks until the server answers pings or
// the startup deadline passes.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := agent.WaitFor(ctx, "postgres", postgresDeadline, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// obsConfig enables OTLP export only when an endpoint is configured.
func obsConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.OTLPEndpoint = endpoint
		cfg.Insecure = true
	}
	return cfg
}
