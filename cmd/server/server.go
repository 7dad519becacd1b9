// Package server wires the engine together and serves the HTTP and
// WebSocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"datapilot/internal/config"
	"datapilot/pkg/artefact"
	"datapilot/pkg/dispatch"
	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/notify"
	plannerorch "datapilot/pkg/orchestrator/planner"
	workerorch "datapilot/pkg/orchestrator/worker"
	"datapilot/pkg/router"
	"datapilot/pkg/sandbox"
	"datapilot/pkg/store"
	"datapilot/pkg/tools"
	"datapilot/pkg/usage"
)

const shutdownGrace = 10 * time.Second

// API bundles the request-serving dependencies.
type API struct {
	store  *store.Store
	router *router.Service
	hub    *notify.Hub
	logger logger.Logger
}

// Run builds every component from cfg and serves until interrupted.
func Run(cfg *config.Config) error {
	log, err := logger.CreateLogger(cfg.LogFile, cfg.LogLevel, "text", true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	artefacts := artefact.New(cfg.CollateralsBasePath)
	hub := notify.NewHub(log)
	registry := tools.NewRegistry()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if command := os.Getenv("MCP_TOOLS_COMMAND"); command != "" {
		source, err := tools.ConnectMCP(ctx, command, os.Environ(), nil, log)
		if err != nil {
			return err
		}
		defer source.Close()
		if _, err := source.RegisterTools(ctx, registry); err != nil {
			return err
		}
	}

	routerClient, err := newClient(ctx, cfg, cfg.RouterModel, usage.NewRecorder(st, "router", log), log)
	if err != nil {
		return err
	}
	plannerClient, err := newClient(ctx, cfg, cfg.PlannerModel, usage.NewRecorder(st, "planner", log), log)
	if err != nil {
		return err
	}
	workerClient, err := newClient(ctx, cfg, cfg.WorkerModel, usage.NewRecorder(st, "worker", log), log)
	if err != nil {
		return err
	}

	routerSvc := router.New(st, routerClient, hub, log, router.Config{
		Model:       cfg.RouterModel,
		Temperature: cfg.Temperature,
	})
	plannerOrch := plannerorch.New(st, artefacts, plannerClient, registry, hub, log, plannerorch.Config{
		Model:           cfg.PlannerModel,
		Temperature:     cfg.Temperature,
		FailedTaskLimit: cfg.FailedTaskLimit,
		MaxRetryTasks:   cfg.MaxRetryTasks,
	})
	plannerOrch.SetCompletionHook(routerSvc.OnPlannerCompleted)
	workerOrch := workerorch.New(st, artefacts, workerClient, registry, sandbox.NewHTTP(cfg.SandboxURL, log), log, workerorch.Config{
		Model:       cfg.WorkerModel,
		Temperature: cfg.Temperature,
		MaxRetry:    cfg.MaxRetryTasks,
	})

	handlers := dispatch.NewRegistry()
	plannerOrch.Register(handlers)
	workerOrch.Register(handlers)
	dispatcher := dispatch.New(st, handlers, artefacts, log)

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- dispatcher.Run(ctx)
	}()

	api := &API{store: st, router: routerSvc, hub: hub, logger: log}
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: api.routes(),
	}

	serverDone := make(chan error, 1)
	go func() {
		log.Infof("🌐 Serving on %s", srv.Addr)
		serverDone <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infof("🛑 Shutting down")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newClient(ctx context.Context, cfg *config.Config, model string, recorder llm.UsageRecorder, log logger.Logger) (llm.Client, error) {
	return llm.NewClient(ctx, llm.Config{
		Model:           model,
		Temperature:     cfg.Temperature,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		Logger:          log,
		Usage:           recorder,
	})
}

// routes builds the HTTP surface.
func (api *API) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", api.handleHealth).Methods("GET")
	r.HandleFunc("/routers", api.handleListRouters).Methods("GET")
	r.HandleFunc("/routers", api.handleCreateRouter).Methods("POST")
	r.HandleFunc("/routers/{id}", api.handleGetRouter).Methods("GET")
	r.HandleFunc("/routers/{id}/activate", api.handleActivate).Methods("POST")
	r.HandleFunc("/routers/{id}/update-title", api.handleUpdateTitle).Methods("POST")
	r.HandleFunc("/routers/{id}/messages", api.handleGetRouterMessages).Methods("GET")
	r.HandleFunc("/messages/{id}/planner-info", api.handlePlannerInfo).Methods("GET")
	r.HandleFunc("/usage", api.handleUsage).Methods("GET")
	r.HandleFunc("/ws/{id}", api.handleWebSocket).Methods("GET")
	return r
}
