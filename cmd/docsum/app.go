package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/config"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/pipeline"
	"github.com/dgallion1/docsum/internal/render"
	"github.com/dgallion1/docsum/internal/segment"
	"github.com/dgallion1/docsum/internal/source"
	"github.com/dgallion1/docsum/internal/state"
)

// App carries what every command needs.
type App struct {
	cfg config.Config
	log *slog.Logger
	out io.Writer
}

func (a *App) openStore() (checkpoint.Store, error) {
	opts := checkpoint.Options{LeaseTTL: a.cfg.LeaseTTL}
	if a.cfg.CheckpointBackend == "sqlite" {
		return checkpoint.NewSQLiteStore(a.cfg.SQLitePath, opts)
	}
	return checkpoint.NewFileStore(a.cfg.CheckpointDir, opts)
}

// claude returns the assist client, or nil when the assist is disabled.
func (a *App) claude() *extract.ClaudeClient {
	if !a.cfg.AssistEnabled {
		return nil
	}
	return extract.NewClaudeClient(a.cfg.AnthropicAPIKey, a.cfg.AnthropicModel,
		extract.WithRateLimit(a.cfg.AssistRPS),
		extract.WithStats(extract.NewLLMStats(time.Hour)),
	)
}

// orchestrator wires the three stage executors.
func (a *App) orchestrator(store checkpoint.Store, claude *extract.ClaudeClient, reg prom.Registerer) (*pipeline.Orchestrator, error) {
	var (
		structureAssist pipeline.StructureAssist
		classifyAssist  pipeline.ClassificationAssist
	)
	if claude != nil {
		structureAssist = claude
		classifyAssist = claude
	}
	metrics := pipeline.NewMetrics(reg)

	open := func(ctx context.Context, ref string) (source.TextSource, error) {
		doc, err := source.Open(ref, source.Options{FallbackPdftotext: a.cfg.PDFFallbackPdftotext})
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	renderers := func(dir string) (pipeline.Renderer, error) {
		r, err := render.NewHTMLRenderer(dir, render.Options{Theme: a.cfg.Theme, MathJax: a.cfg.MathJax})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	engine := segment.New(segment.Config{
		MinNarrative:   a.cfg.MinNarrativeSize,
		ExerciseAction: doctree.Action(a.cfg.ExerciseAction),
	})

	executors := []pipeline.Executor{
		pipeline.NewStructureExecutor(open, structureAssist, pipeline.StructureConfig{
			UniformParts: a.cfg.UniformParts,
			OutlineDepth: a.cfg.OutlineDepth,
			CallTimeout:  a.cfg.CallTimeout,
		}, metrics, a.log),
		pipeline.NewClassifyExecutor(engine, classifyAssist, pipeline.ClassifyConfig{
			MaxConcurrent:    a.cfg.MaxConcurrentClassify,
			MaxAssistPerUnit: a.cfg.MaxAssistPerUnit,
			CallTimeout:      a.cfg.CallTimeout,
		}, metrics, a.log),
		pipeline.NewComposeExecutor(renderers, pipeline.ComposeConfig{
			OutputDir:   a.cfg.OutputDir,
			CallTimeout: a.cfg.CallTimeout,
		}, metrics, a.log),
	}
	return pipeline.NewOrchestrator(store, executors, pipeline.Config{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: a.cfg.MaxAttempts,
			BackoffBase: a.cfg.BackoffBase,
			BackoffMax:  a.cfg.BackoffMax,
		},
	}, a.log, pipeline.WithMetrics(metrics))
}

// runPipeline runs fn until it returns. The first interrupt asks the
// orchestrator to stop at the next stage boundary; a second one aborts the
// stage in progress.
func (a *App) runPipeline(orch *pipeline.Orchestrator, fn func(ctx context.Context) (*state.PipelineState, error)) (*state.PipelineState, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			a.log.Warn("interrupt received, stopping after the current stage (interrupt again to abort)")
			orch.Cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			a.log.Warn("aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	return fn(ctx)
}
