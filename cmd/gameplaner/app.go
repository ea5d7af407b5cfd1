package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/game-planer/internal/agent"
	"github.com/nugget/game-planer/internal/audit"
	"github.com/nugget/game-planer/internal/config"
	"github.com/nugget/game-planer/internal/events"
	"github.com/nugget/game-planer/internal/history"
	"github.com/nugget/game-planer/internal/httpkit"
	"github.com/nugget/game-planer/internal/llm"
	"github.com/nugget/game-planer/internal/prompt"
	"github.com/nugget/game-planer/internal/session"
	"github.com/nugget/game-planer/internal/tools"
)

// app holds the components shared by every front end.
type app struct {
	loop   *agent.Loop
	ledger *audit.Ledger
	bus    *events.Bus
	tools  *tools.Registry
}

// newApp assembles the agent from a validated configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	client, err := newLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, client, logger)
}

// assemble builds everything behind the model client. Split out so the
// wiring can be exercised with a scripted client.
func assemble(cfg *config.Config, client llm.Client, logger *slog.Logger) (*app, error) {
	persona, err := cfg.ResolvePersona()
	if err != nil {
		return nil, err
	}

	buf, err := history.New(cfg.Agent.HistoryWindowK, cfg.Agent.HistoryRetention)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	ledger, err := audit.Open("")
	if err != nil {
		return nil, fmt.Errorf("audit ledger: %w", err)
	}

	registry := tools.FromConfig(cfg, logger)
	bus := events.New()

	loop := agent.NewLoop(logger, agent.ConfigFrom(cfg.Agent), agent.Deps{
		Client:   client,
		Sessions: session.NewStore(logger),
		History:  buf,
		Prompts:  prompt.NewAssembler(persona, cfg.Agent.Model, registry.Definitions()),
		Tools:    registry,
		Events:   bus,
		Recorder: ledger,
	})

	logger.Info("agent ready",
		"model", cfg.Agent.Model,
		"history_window_k", buf.K(),
		"tools", registry.Names(),
	)

	return &app{
		loop:   loop,
		ledger: ledger,
		bus:    bus,
		tools:  registry,
	}, nil
}

// Close releases the audit ledger.
func (a *app) Close() error {
	return a.ledger.Close()
}

// newLLMClient registers every provider that has credentials and routes
// models to them. Validate has already checked that the provider for
// the configured model is usable.
func newLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	multi := llm.NewMultiClient(cfg.ProviderFor)

	if cfg.Gemini.APIKey != "" {
		c, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, nil, logger)
		if err != nil {
			return nil, err
		}
		multi.AddProvider("gemini", c)
	}
	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, nil, logger))
	}
	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, nil, logger))
	}

	ollama, err := llm.NewOllamaClient(cfg.Ollama.URL, ollamaHTTPClient(cfg, logger), logger)
	if err != nil {
		return nil, err
	}
	multi.AddProvider("ollama", ollama)

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	provider := multi.ProviderFor(cfg.Agent.Model)
	if provider == "" {
		return nil, &config.ConfigurationError{
			Field:  "agent.model",
			Reason: fmt.Sprintf("no provider available for model %q", cfg.Agent.Model),
		}
	}
	logger.Info("LLM client initialized",
		"model", cfg.Agent.Model,
		"provider", provider,
		"providers", multi.Providers(),
	)
	return multi, nil
}

// ollamaHTTPClient builds the client for the self-hosted provider. Each
// call is bounded by the model timeout rather than httpkit's default.
func ollamaHTTPClient(cfg *config.Config, logger *slog.Logger) *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(cfg.Agent.ModelTimeout),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
}
