// Package runtime wires configuration into concrete providers and the
// research engine. It is the composition root shared by the CLI and
// the HTTP server.
package runtime

import (
	"fmt"
	"log"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
	"github.com/mohammad-safakhou/deepscout/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepscout/provider"
	"github.com/mohammad-safakhou/deepscout/tools/web_fetch"
	"github.com/mohammad-safakhou/deepscout/tools/web_search"
)

// Service bundles the engine with its shared collaborators.
type Service struct {
	Config    *config.Config
	Engine    *core.Engine
	Telemetry *telemetry.Telemetry
}

// BuildService constructs the engine from configuration: ChatModel,
// search and fetch providers, and telemetry.
func BuildService(cfg *config.Config, logger *log.Logger) (*Service, error) {
	chat, err := provider.NewChatModel(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building chat model: %w", err)
	}
	search, err := web_search.NewFromConfig(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("building search provider: %w", err)
	}
	fetch := web_fetch.NewFromConfig(cfg.Fetch)

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	for _, p := range cfg.LLM.Providers {
		for _, m := range p.Models {
			tele.RegisterModelCost(m)
		}
	}

	engine := core.NewEngine(cfg, chat, search, fetch, tele, logger)
	return &Service{Config: cfg, Engine: engine, Telemetry: tele}, nil
}
