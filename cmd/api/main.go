package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campushq/chat-relay/internal/auth"
	"github.com/campushq/chat-relay/internal/chat"
	"github.com/campushq/chat-relay/internal/config"
	"github.com/campushq/chat-relay/internal/data"
	"github.com/campushq/chat-relay/internal/db"
	"github.com/campushq/chat-relay/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()

	dbClient, err := db.New(ctx, cfg.MongoURI, cfg.Database)
	if err != nil {
		log.Fatalf("connect to MongoDB: %v", err)
	}
	defer func() {
		_ = dbClient.Close(ctx)
	}()

	// The unique natural-key index must exist before the first send.
	if err := dbClient.CreateIndexes(ctx); err != nil {
		log.Fatalf("create indexes: %v", err)
	}

	convs := data.NewConversationsStore(dbClient.ConversationsCollection())
	msgs := data.NewMessagesStore(dbClient.MessagesCollection())
	svc := chat.NewService(convs, msgs)

	verifier := auth.NewVerifier(cfg.TokenSecret, 24*time.Hour)
	if cfg.TokenSecret == "" {
		log.Printf("no TOKEN_SECRET configured; bearer values are trusted as identities")
	}

	// Shared between the HTTP send route and per-identity socket sends.
	// Small burst so a client flushing a queued backlog is not punished.
	limiter := middleware.NewLimiterStore(cfg.SendRatePerMinute, 5, time.Minute)
	defer limiter.Stop()

	srv := newServer(svc, verifier, limiter, dbClient, cfg.AllowedOrigin)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("chat relay listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server exit: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
