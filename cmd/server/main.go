package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/OmChillure/friday/internal/handlers"
	"github.com/OmChillure/friday/internal/session"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "friday")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	cfg, err := loadConfig(cfgFile)
	cfgFile.Close()
	if err != nil {
		log.Fatal(err)
	}

	level, err := cfg.logLevel()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	provider, err := cfg.LLM.provider(cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm provider: %w", err))
	}
	titleGen, err := cfg.LLM.titleGen(cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating title generator: %w", err))
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := cfg.Store.open(openCtx, filepath.Join(cfgPath, "store.db"))
	openCancel()
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer store.Close()

	sessionCfg := cfg.sessionConfig()
	sessionCfg.OnPersistenceFailed = func(n session.Notification) {
		logger.Warn("Persistence failed",
			slog.String("session", string(n.Handle)),
			slog.String("messageID", n.MessageID),
			slog.Bool("image", n.Image),
			slog.String("err", n.Err.Error()))
	}
	controller := session.NewController(provider, store, sessionCfg, logger)

	m := handlers.NewMain(controller, store, titleGen, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats", m.HandleChats)
	mux.HandleFunc("GET /chats", m.HandleListChats)
	mux.HandleFunc("GET /chats/{id}/messages", m.HandleMessages)
	mux.HandleFunc("GET /sse/messages", m.HandleSSEMessages)
	mux.HandleFunc("GET /sse/chats", m.HandleSSEChats)
	mux.HandleFunc("POST /sessions/{id}/cancel", m.HandleCancel)
	mux.HandleFunc("POST /sessions/{id}/retry", m.HandleRetry)
	mux.HandleFunc("GET /images/{id}", m.HandleImage)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := shutdownServer(ctx, srv, controller); err != nil {
			logger.Error("Shutdown failed", slog.String("err", err.Error()))
		}
	}
}

// shutdownServer cancels the running sessions first, which ends their message streams, then drains
// the HTTP server. Sessions still running are cancelled; their partial messages are not committed.
func shutdownServer(ctx context.Context, srv *http.Server, controller *session.Controller) error {
	var errs []error
	if err := controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions did not finish: %w", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
		if err := srv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("forcing server close: %w", err))
		}
	}
	return errors.Join(errs...)
}
