package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talentframe/interview-agent/internal/actions"
	"github.com/talentframe/interview-agent/internal/config"
	"github.com/talentframe/interview-agent/internal/flow"
	"github.com/talentframe/interview-agent/internal/httpserver"
	"github.com/talentframe/interview-agent/internal/phone"
	"github.com/talentframe/interview-agent/internal/rtc"
	"github.com/talentframe/interview-agent/internal/storage"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	graph, err := flow.LoadFile(cfg.FlowPath)
	if err != nil {
		log.Fatalf("load flow definition %s: %v", cfg.FlowPath, err)
	}
	registry := actions.Default()
	if err := flow.Validate(graph, registry); err != nil {
		log.Fatalf("invalid flow definition %s: %v", cfg.FlowPath, err)
	}
	log.Printf("flow loaded: %s (%d nodes, initial=%s)", cfg.FlowPath, len(graph.NodeOrder()), graph.InitialNode)

	store := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket)
	rtcHandler := rtc.NewHandler(cfg, graph, registry, store)

	var phoneSvc *phone.Service
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		dialer := phone.NewDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		phoneSvc = phone.NewService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.BaseURL, store, dialer)
		log.Printf("phone screen webhooks and outbound dialing enabled")
	}

	e := httpserver.New(httpserver.Options{Cfg: cfg, RTC: rtcHandler, Phone: phoneSvc})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
