package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/meridian-labs/meridian/pkg/agent"
	"github.com/meridian-labs/meridian/pkg/config"
	"github.com/meridian-labs/meridian/pkg/dashboard"
	"github.com/meridian-labs/meridian/pkg/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	addr := ":8501"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := config.EnvFromOS()
	db, err := sql.Open("postgres", env.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := agent.WaitFor(ctx, "postgres", 120*time.Second, db.PingContext); err != nil {
		log.Fatalf("postgres: %v", err)
	}

	st := store.New(db, store.DialectPostgres)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      dashboard.NewServer(st).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("dashboard API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}
