package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beanandbrew/voicedesk/internal/agent"
	"github.com/beanandbrew/voicedesk/internal/business"
	"github.com/beanandbrew/voicedesk/internal/config"
	"github.com/beanandbrew/voicedesk/internal/httpapi"
	"github.com/beanandbrew/voicedesk/internal/knowledge"
	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/persona"
	"github.com/beanandbrew/voicedesk/internal/session"
	"github.com/beanandbrew/voicedesk/internal/tools"
	"github.com/beanandbrew/voicedesk/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if strings.TrimSpace(cfg.AgentAPIKey) == "" {
		log.Fatalf("DEEPGRAM_API_KEY is required")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := business.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("business store init failed: %v", err)
	}
	defer store.Close()

	kbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("knowledge base pool init failed: %v", err)
	}
	defer kbPool.Close()
	kb, err := knowledge.NewPostgresKB(ctx, kbPool)
	if err != nil {
		log.Fatalf("knowledge base init failed: %v", err)
	}

	descriptors := append(business.Toolset(store, business.LogNotifier{}), knowledge.Toolset(kb)...)
	registry, err := tools.NewRegistry(descriptors...)
	if err != nil {
		log.Fatalf("tool registry init failed: %v", err)
	}
	log.Printf("registered tools: %s", strings.Join(registry.Names(), ", "))

	p := persona.Default()
	if cfg.PersonaFile != "" {
		p, err = persona.Load(cfg.PersonaFile)
		if err != nil {
			log.Fatalf("persona load failed: %v", err)
		}
	} else if cfg.VoiceModel != "" && cfg.VoiceModel != p.VoiceModel {
		p.VoiceModel = cfg.VoiceModel
		p.VoiceName = persona.VoiceNameFromModel(cfg.VoiceModel)
	}

	sessions := session.NewRegistry()
	runner := agent.NewRunner(agent.Options{
		Sessions: sessions,
		Tools:    registry,
		Dialer: upstream.NewDialer(upstream.Config{
			APIKey:         cfg.AgentAPIKey,
			URL:            cfg.AgentWSURL,
			ConnectTimeout: cfg.ConnectTimeout,
		}),
		Metrics:          metrics,
		Persona:          p,
		ListenModel:      cfg.ListenModel,
		ThinkModel:       cfg.ThinkModel,
		IdleTimeout:      cfg.IdleTimeout,
		SessionMaxAge:    cfg.SessionMaxAge,
		ToolTimeout:      cfg.ToolTimeout,
		FillerThreshold:  cfg.FillerThreshold,
		InboundQueueSize: cfg.InboundQueueSize,
		TranscriptDir:    cfg.TranscriptDir,
	})

	api := httpapi.New(cfg, sessions, runner, metrics, p.UserSampleRate)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	sessions.ShutdownAll(agent.ReasonServerShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
