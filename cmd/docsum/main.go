package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/dgallion1/docsum/internal/config"
)

// CLI is the docsum command line.
type CLI struct {
	Verbose bool `short:"v" help:"Enable debug logging"`

	Process ProcessCmd `cmd:"" help:"Run a document through structure, classify and compose"`
	Resume  ResumeCmd  `cmd:"" help:"Continue an interrupted or failed session from its last checkpoint"`
	Status  StatusCmd  `cmd:"" help:"Show the state of a session"`
	List    ListCmd    `cmd:"" help:"List stored sessions, newest first"`
	Delete  DeleteCmd  `cmd:"" help:"Delete a session's checkpoints, or prune old ones"`
	Review  ReviewCmd  `cmd:"" help:"List the blocks of a session flagged for review"`
	Serve   ServeCmd   `cmd:"" help:"Serve the read-only status API and metrics"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("docsum"),
		kong.Description("Turn mathematical documents into structured, reviewable HTML summaries."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "docsum:", err)
		os.Exit(1)
	}
	if cli.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "docsum: invalid configuration:", err)
		os.Exit(1)
	}

	app := &App{cfg: cfg, log: cfg.Logger(), out: os.Stdout}
	kctx.FatalIfErrorf(kctx.Run(app))
}
