package cmd

import (
	"time"

	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/ai"
	"github.com/ctwatch/ctwatch/pkg/cancel"
	"github.com/ctwatch/ctwatch/pkg/diffs"
	"github.com/ctwatch/ctwatch/pkg/feed"
	"github.com/ctwatch/ctwatch/pkg/pipeline"
	"github.com/ctwatch/ctwatch/pkg/registry"
	"github.com/ctwatch/ctwatch/pkg/render"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/ctwatch/ctwatch/pkg/versions"
	"github.com/spf13/viper"
)

// buildOrchestrator assembles the refresh pipeline around an open store.
// A missing AI key is not fatal: summaries degrade to placeholders and
// version detection falls back to the crude page scan.
func buildOrchestrator(db *storage.DB, reg *cancel.Registry, concurrency, batchCap int, window time.Duration) *pipeline.Orchestrator {
	var completer ai.Completer
	client, err := ai.NewClient(ai.Config{
		APIKey:   viper.GetString("ai.api_key"),
		Model:    viper.GetString("ai.model"),
		Endpoint: viper.GetString("ai.endpoint"),
	})
	if err != nil {
		utils.Log.Warnf("AI client unavailable, summaries will be degraded: %s", err)
	} else {
		completer = client
	}

	chrome := &render.Chrome{ExecPath: viper.GetString("render.exec_path")}

	return pipeline.New(pipeline.Config{
		Feed:        &feed.Reader{},
		Resolver:    &versions.Resolver{Renderer: chrome, Completer: completer},
		Differ:      &diffs.Extractor{Renderer: chrome},
		Summarizer:  &ai.Summarizer{Completer: completer},
		Sponsors:    registry.NewSponsorClient(3),
		Store:       db,
		Registry:    reg,
		Log:         utils.Log,
		Concurrency: concurrency,
		BatchCap:    batchCap,
		Window:      window,
	})
}
