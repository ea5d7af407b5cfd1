package tools

import (
	"log/slog"

	"github.com/nugget/game-planer/internal/config"
	"github.com/nugget/game-planer/internal/fetch"
	"github.com/nugget/game-planer/internal/httpkit"
	"github.com/nugget/game-planer/internal/search"
)

// WebSearch returns the web_search tool backed by mgr. maxResults is the
// result count when the model does not ask for one.
func WebSearch(mgr *search.Manager, maxResults int) *Tool {
	return &Tool{
		Name: config.ToolWebSearch,
		Description: "Search the web for current information about games, releases, " +
			"tournaments and communities. Returns titles, URLs and snippets.",
		Parameters: search.ToolDefinition(),
		Handler:    search.ToolHandler(mgr, maxResults),
	}
}

// WebFetch returns the web_fetch tool backed by f.
func WebFetch(f *fetch.Fetcher) *Tool {
	return &Tool{
		Name: config.ToolWebFetch,
		Description: "Fetch a web page and return its readable text. " +
			"Use it to read a page found with web_search.",
		Parameters: fetch.ToolDefinition(),
		Handler:    fetch.ToolHandler(f),
	}
}

// NewSearchManager registers every configured search backend.
func NewSearchManager(cfg config.SearchConfig, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Default)
	if cfg.SearXNG.Configured() {
		mgr.Register(search.NewSearXNG(cfg.SearXNG.URL, httpkit.NewClient(httpkit.WithLogger(logger))))
	}
	if cfg.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Brave.APIKey, httpkit.NewClient(httpkit.WithLogger(logger))))
	}
	return mgr
}

// FromConfig builds the registry holding the tools listed in
// agent.tools. Unknown names are skipped; Validate rejects them first.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry(cfg.Agent.ToolTimeout, logger)

	for _, name := range cfg.Agent.Tools {
		switch name {
		case config.ToolWebSearch:
			mgr := NewSearchManager(cfg.Search, logger)
			r.Register(WebSearch(mgr, cfg.Search.MaxResults))
			logger.Info("tool enabled", "tool", name, "providers", mgr.Providers(), "default", mgr.Primary())
		case config.ToolWebFetch:
			r.Register(WebFetch(fetch.New(cfg.Fetch.MaxChars, httpkit.NewClient(httpkit.WithLogger(logger)))))
			logger.Info("tool enabled", "tool", name)
		default:
			logger.Warn("unknown tool in config", "tool", name)
		}
	}
	return r
}
