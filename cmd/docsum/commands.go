package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dgallion1/docsum/internal/api"
	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/pipeline"
	"github.com/dgallion1/docsum/internal/state"
)

// ProcessCmd implements 'process'.
type ProcessCmd struct {
	Path           string `arg:"" type:"existingfile" help:"Document to process (pdf, md, docx, html, txt)"`
	Kind           string `short:"k" default:"auto" help:"Document kind: auto, compiled_typeset, scanned_raster, handwritten, mixed"`
	Output         string `short:"o" help:"Base output directory (overrides OUTPUT_DIR)"`
	Theme          string `help:"Stylesheet: math-document, lecture-notes, presentation"`
	ExerciseAction string `help:"Action for exercise blocks: summarize, preserve_verbatim, render_formula, skip"`
	Assist         bool   `help:"Use the model assist for structure and classification" xor:"assist"`
	NoAssist       bool   `help:"Disable the model assist even when ASSIST_ENABLED is set" xor:"assist"`
}

func (c *ProcessCmd) Run(app *App) error {
	kind, err := doctree.ParseDocumentKind(c.Kind)
	if err != nil {
		return err
	}
	if c.Output != "" {
		app.cfg.OutputDir = c.Output
	}
	if c.Theme != "" {
		app.cfg.Theme = c.Theme
	}
	if c.ExerciseAction != "" {
		app.cfg.ExerciseAction = c.ExerciseAction
	}
	if c.Assist {
		app.cfg.AssistEnabled = true
	}
	if c.NoAssist {
		app.cfg.AssistEnabled = false
	}
	if err := app.cfg.Validate(); err != nil {
		return err
	}
	ref, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}

	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	claude := app.claude()
	if claude != nil {
		defer claude.Close()
	}
	orch, err := app.orchestrator(store, claude, nil)
	if err != nil {
		return err
	}

	st, err := app.runPipeline(orch, func(ctx context.Context) (*state.PipelineState, error) {
		return orch.Run(ctx, ref, kind)
	})
	return app.report(st, err)
}

// ResumeCmd implements 'resume'.
type ResumeCmd struct {
	Session string `arg:"" help:"Session id"`
}

func (c *ResumeCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	claude := app.claude()
	if claude != nil {
		defer claude.Close()
	}
	orch, err := app.orchestrator(store, claude, nil)
	if err != nil {
		return err
	}

	st, err := app.runPipeline(orch, func(ctx context.Context) (*state.PipelineState, error) {
		return orch.Resume(ctx, c.Session)
	})
	return app.report(st, err)
}

// report prints the run summary and how to continue a run that stopped.
func (a *App) report(st *state.PipelineState, err error) error {
	if st != nil {
		fmt.Fprint(a.out, st.Summary())
		if st.IndexPath != "" && err == nil {
			fmt.Fprintf(a.out, "Index:    %s\n", st.IndexPath)
		}
	}
	var se *pipeline.StageError
	if errors.As(err, &se) && st != nil {
		fmt.Fprintf(a.out, "\nStopped at %s. Continue with: docsum resume %s\n", se.Stage, st.SessionID)
	}
	return err
}

// StatusCmd implements 'status'.
type StatusCmd struct {
	Session string `arg:"" help:"Session id"`
	JSON    bool   `help:"Print the full state as JSON"`
}

func (c *StatusCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	st, err := store.Load(ctx, c.Session, "")
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(app.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprint(app.out, st.Summary())

	handles, err := store.List(ctx, c.Session)
	if err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Checkpoints:")
	for _, h := range handles {
		stage := string(h.Stage)
		if stage == "" {
			stage = string(checkpoint.AdHoc)
		}
		fmt.Fprintf(app.out, "  %-9s %s\n", stage, h.SavedAt.Local().Format(time.DateTime))
	}
	return nil
}

// ListCmd implements 'list'.
type ListCmd struct{}

func (c *ListCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	handles, err := store.List(ctx, "")
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tDOCUMENT\tSTATE\tSAVED")
	seen := make(map[string]bool)
	for _, h := range handles {
		if seen[h.SessionID] {
			continue
		}
		seen[h.SessionID] = true
		doc, run := "?", "corrupt"
		if st, err := store.Load(ctx, h.SessionID, ""); err == nil {
			doc, run = filepath.Base(st.DocumentRef), string(st.RunState())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.SessionID, doc, run, h.SavedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// DeleteCmd implements 'delete'.
type DeleteCmd struct {
	Session   string        `arg:"" optional:"" help:"Session id"`
	Stage     string        `help:"Delete only this stage's checkpoint (structure, classify, compose, adhoc)"`
	OlderThan time.Duration `help:"Instead of one session, prune every checkpoint older than this"`
}

func (c *DeleteCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if c.OlderThan > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-c.OlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "Pruned %d checkpoints\n", n)
		return nil
	}
	if c.Session == "" {
		return errors.New("a session id or --older-than is required")
	}

	var stage state.Stage
	switch c.Stage {
	case "":
	case string(checkpoint.AdHoc):
		stage = checkpoint.AdHoc
	default:
		if stage, err = state.ParseStage(c.Stage); err != nil {
			return err
		}
	}
	if err := store.Delete(ctx, c.Session, stage); err != nil {
		return err
	}
	app.log.Info("deleted checkpoints", "session_id", c.Session, "stage", stage)
	return nil
}

// ReviewCmd implements 'review'.
type ReviewCmd struct {
	Session string `arg:"" help:"Session id"`
	Unit    string `help:"Only this unit"`
}

func (c *ReviewCmd) Run(app *App) error {
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Load(context.Background(), c.Session, "")
	if err != nil {
		return err
	}
	if st.Classified == nil {
		return fmt.Errorf("session %s has not been classified yet", c.Session)
	}
	n := 0
	for _, item := range st.Classified.ReviewQueue() {
		if c.Unit != "" && item.UnitID != c.Unit {
			continue
		}
		n++
		b := item.Block
		fmt.Fprintf(app.out, "%s #%d  %s (%.2f)  %s\n", item.UnitID, item.Index, b.Kind, b.Confidence, preview(b.Content, 72))
	}
	fmt.Fprintf(app.out, "%d blocks need review\n", n)
	return nil
}

func preview(s string, n int) string {
	s = extract.Sample(s, 1)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// ServeCmd implements 'serve'.
type ServeCmd struct {
	Port string `short:"p" help:"Listen port (overrides PORT)"`
}

func (c *ServeCmd) Run(app *App) error {
	if c.Port != "" {
		app.cfg.Port = c.Port
	}
	log := app.log
	store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var assist api.AssistInfo
	if claude := app.claude(); claude != nil {
		defer claude.Close()
		assist = claude
	}

	if maxAge := app.cfg.Retention(); maxAge > 0 {
		retention, err := checkpoint.NewRetention(store, maxAge, log)
		if err != nil {
			return err
		}
		if err := retention.Start(time.Hour); err != nil {
			return err
		}
		defer retention.Stop()
	}

	srv := api.NewServer(store, assist, reg, log, app.cfg.APIKey)
	httpServer := &http.Server{
		Addr:         ":" + app.cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting docsum api", "port", app.cfg.Port, "backend", app.cfg.CheckpointBackend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
