// Package daemon assembles and runs the Pronto service: history store,
// session registry, retrieval indexes, tool registry, model client,
// orchestrator, and the websocket gateway.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prontohq/pronto/internal/config"
	"github.com/prontohq/pronto/internal/logger"
	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/agent"
	"github.com/prontohq/pronto/pkg/coretools"
	"github.com/prontohq/pronto/pkg/gateway"
	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/orchestrator"
	"github.com/prontohq/pronto/pkg/retrieval"
	"github.com/prontohq/pronto/pkg/session"
	"github.com/prontohq/pronto/pkg/tools"
)

// Daemon is the assembled Pronto service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *history.Store
	registry  *session.Registry
	sweeper   *session.Sweeper
	documents *retrieval.DocumentIndex
	memory    *retrieval.MemoryIndex
	toolReg   *tools.Registry
	orch      *orchestrator.Orchestrator
	gateway   *gateway.Server
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New wires up a daemon from config. Nothing is listening until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := d.initStorage(); err != nil {
		return nil, err
	}
	if err := d.initRetrieval(); err != nil {
		d.closePartial()
		return nil, err
	}
	if err := d.initOrchestration(); err != nil {
		d.closePartial()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initStorage() error {
	log := d.logger.Zerolog()

	store, err := history.NewStore(filepath.Join(d.config.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	d.store = store
	log.Info().Msg("History store opened")

	registry, err := session.NewRegistry(session.Config{
		Store:   store,
		IdleTTL: time.Duration(d.config.Session.IdleTTLMinutes) * time.Minute,
		Logger:  d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = registry

	sweeper, err := session.NewSweeper(registry, "@every 1m")
	if err != nil {
		return fmt.Errorf("failed to create session sweeper: %w", err)
	}
	d.sweeper = sweeper
	log.Info().
		Int("idle_ttl_minutes", d.config.Session.IdleTTLMinutes).
		Msg("Session registry initialized")

	return nil
}

func (d *Daemon) initRetrieval() error {
	log := d.logger.Zerolog()

	embedder, err := retrieval.NewEmbedder(
		d.config.Embedding.Provider,
		d.config.Embedding.BaseURL,
		d.config.Embedding.APIKey,
		d.config.Embedding.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	if embedder == nil {
		log.Info().Msg("Embedding disabled, retrieval is keyword-only")
	}

	if err := os.MkdirAll(d.config.Retrieval.CorpusDir, 0755); err != nil {
		return fmt.Errorf("failed to create corpus directory: %w", err)
	}

	documents, err := retrieval.NewDocumentIndex(retrieval.DocumentConfig{
		CorpusDir: d.config.Retrieval.CorpusDir,
		DBPath:    filepath.Join(d.config.DataDir, "documents.db"),
		Logger:    d.logger.Zerolog(),
		Embedder:  embedder,
		Watch:     d.config.Retrieval.Watch,
	})
	if err != nil {
		return fmt.Errorf("failed to open document index: %w", err)
	}
	d.documents = documents
	log.Info().
		Str("corpus", d.config.Retrieval.CorpusDir).
		Bool("watch", d.config.Retrieval.Watch).
		Msg("Document index opened")

	memory, err := retrieval.NewMemoryIndex(retrieval.MemoryConfig{
		DBPath:   filepath.Join(d.config.DataDir, "memory.db"),
		Logger:   d.logger.Zerolog(),
		Embedder: embedder,
	})
	if err != nil {
		return fmt.Errorf("failed to open memory index: %w", err)
	}
	d.memory = memory
	log.Info().Msg("Memory index opened")

	return nil
}

func (d *Daemon) initOrchestration() error {
	log := d.logger.Zerolog()

	toolTimeout := time.Duration(d.config.Turn.ToolTimeoutS) * time.Second
	d.toolReg = tools.NewRegistry(toolTimeout)

	if err := coretools.Register(d.toolReg, coretools.Options{
		OrderFilePath: d.config.Orders.FilePath,
		Documents:     d.documents,
		Memory:        d.memory,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	log.Info().
		Strs("tools", d.toolReg.List()).
		Msg("Core tools registered")

	provider, err := agent.NewProvider(agent.Config{
		Provider: d.config.Model.Provider,
		Model:    d.config.Model.Model,
		BaseURL:  d.config.Model.BaseURL,
		APIKey:   d.config.Model.APIKey,
		Timeout:  time.Duration(d.config.Model.TimeoutS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}

	client := agent.NewClient(agent.ClientConfig{
		Provider:    provider,
		Model:       d.config.Model.Model,
		Temperature: d.config.Model.Temperature,
		MaxTokens:   d.config.Model.MaxTokens,
		MaxRetries:  d.config.Model.MaxRetries,
	})
	log.Info().
		Str("provider", provider.Name()).
		Str("model", d.config.Model.Model).
		Msg("Model client initialized")

	d.orch = orchestrator.New(orchestrator.Config{
		History:       d.store,
		Registry:      d.registry,
		Tools:         d.toolReg,
		Client:        client,
		Memory:        d.memory,
		SystemPrompt:  d.config.Turn.SystemPrompt,
		ToolBudget:    d.config.Turn.ToolBudget,
		HistoryWindow: d.config.Turn.HistoryWindow,
		Logger:        d.logger.Zerolog(),
	})

	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		Registry:     d.registry,
		History:      d.store,
		Orchestrator: d.orch,
		Logger:       d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = server

	return nil
}

// Start brings the daemon up: pid file, index sync, sweeper, gateway.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.Zerolog()
	log.Info().Msg("Starting Pronto daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Initial corpus sync so first queries don't pay the indexing cost.
	if err := d.documents.Sync(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Initial document sync failed")
	}

	d.sweeper.Start()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	log.Info().
		Int("port", d.config.Gateway.Port).
		Msg("Pronto daemon started")
	return nil
}

// Stop brings the daemon down in reverse order of Start.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Zerolog()
	log.Info().Msg("Stopping Pronto daemon")

	if err := d.gateway.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway")
	}

	d.sweeper.Stop()
	d.orch.Queue().Close()

	if err := d.documents.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close document index")
	}
	if err := d.memory.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close memory index")
	}
	if err := d.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close history store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Pronto daemon stopped")
	return nil
}

// closePartial releases resources after a failed New.
func (d *Daemon) closePartial() {
	if d.documents != nil {
		_ = d.documents.Close()
	}
	if d.memory != nil {
		_ = d.memory.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// Status describes the daemon's runtime state.
type Status struct {
	Running        bool
	StartTime      time.Time
	Uptime         time.Duration
	ActiveSessions int
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.ActiveSessions = d.registry.Count()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log := d.logger.Zerolog()
	log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop daemon")
	}
}
