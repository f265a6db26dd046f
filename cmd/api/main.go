package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"beacon/api/internal/app"
	"beacon/api/internal/auth"
	"beacon/api/internal/config"
	"beacon/api/internal/pubsub"
	"beacon/api/internal/realtime"
	"beacon/api/internal/session"
	"beacon/api/internal/store"
	"beacon/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	records := store.NewPostgresStore(db)

	var tickets *session.TicketStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		tickets, err = session.NewTicketStore(cfg.RedisURL, cfg.TicketTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer tickets.Close()
	} else {
		log.Printf("WARNING: no Redis configured, WebSocket connect tickets disabled")
	}

	bus := pubsub.NewPostgresPubSub(db, cfg.DatabaseURL, nil)
	bridge := pubsub.NewChangeBridge(bus, cfg.PubSubChannel, nil)

	registry := realtime.NewTableRegistry()
	if err := app.RegisterTables(registry); err != nil {
		log.Fatalf("table registration failed: %v", err)
	}

	var service *app.Service
	hub := ws.NewHub(ws.Options{
		TokenVerifier: auth.NewVerifier([]byte(cfg.JWTSecret)),
		Write: func(ctx context.Context, identity auth.Identity, ops []realtime.Operation) ([]realtime.WriteResult, error) {
			return service.Write(ctx, identity, ops)
		},
	})

	syncService := realtime.NewService(registry, records, bridge, hub, nil)
	service = app.NewService(app.ServiceOptions{
		Realtime:  syncService,
		Tickets:   tickets,
		Hub:       hub,
		Records:   records,
		JWTSecret: []byte(cfg.JWTSecret),
	})

	// Receive side: changes committed by other processes reach this
	// process's subscribers through the bus.
	bridge.Bind(hub)
	bus.Start(ctx)
	defer bus.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Beacon API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
