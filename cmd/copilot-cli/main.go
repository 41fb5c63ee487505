// cmd/copilot-cli/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/copilot"
	"bnpl-copilot/internal/models"
)

var demoQuestions = []string{
	"What was our GMV last month?",
	"Which merchants have the highest dispute rates?",
	"What is our late payment rate by cohort?",
	"How many active users do we have?",
	"What is the checkout conversion rate?",
}

var exampleQuestions = []string{
	"What was our GMV last month vs previous month?",
	"How many active users do we have in the last 30 days?",
	"What is our late payment rate by cohort?",
	"Which merchants have the highest dispute rates?",
	"Show risky users in Rabat",
}

type options struct {
	query       string
	demo        bool
	interactive bool
	debug       bool
	configPath  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "copilot",
		Short: "Ask BNPL analytics questions from the terminal.",
		Example: `  copilot --query "What was our GMV last month?"
  copilot --demo
  copilot --interactive --debug`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.demo && opts.query == "" && !opts.interactive {
				return cmd.Help()
			}
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "answer a single question")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "run the demo questions against the seeded warehouse")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "start an interactive session")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "print plans, result sets and validation transitions")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "config file (defaults to configs/config.yaml)")
	return cmd
}

func loadConfig(opts options) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFromFile(opts.configPath)
	}
	return config.Load()
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.demo {
		cfg.Warehouse = config.WarehouseConfig{
			Driver: config.DriverSQLite,
			SQLite: config.SQLiteConfig{Path: ":memory:", SeedDemo: true},
		}
	}

	level := "warn"
	if opts.debug {
		level = "debug"
	}
	log := logger.NewStructured(level, "console", "stderr")
	defer log.Sync()

	warehouse, err := database.Open(ctx, cfg.Warehouse)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer warehouse.Close()

	rt, err := copilot.Build(cfg, copilot.Deps{Warehouse: warehouse}, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	r := &renderer{out: out}
	if opts.debug {
		rt.Pipeline.WithInspector(r.inspection)
	}
	session := uuid.NewString()

	switch {
	case opts.demo:
		r.banner("BNPL Analytics Copilot - Demo")
		for _, q := range demoQuestions {
			if err := ask(ctx, rt.Pipeline, r, session, q); err != nil {
				return err
			}
		}
		return nil
	case opts.query != "":
		return ask(ctx, rt.Pipeline, r, session, opts.query)
	}
	return repl(ctx, rt.Pipeline, r, session, in)
}

func ask(ctx context.Context, p *copilot.Pipeline, r *renderer, session, question string) error {
	r.question(question)
	resp, err := p.Chat(ctx, models.ChatRequest{Message: question, SessionID: session})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.failure(err)
		return nil
	}
	r.response(resp)
	return nil
}

func repl(ctx context.Context, p *copilot.Pipeline, r *renderer, session string, in io.Reader) error {
	r.banner("BNPL Analytics Copilot - Interactive")
	fmt.Fprintln(r.out, "Type a question, 'help' for examples, or 'exit' to quit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "\nyou> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "q":
			return nil
		case "help":
			r.examples(exampleQuestions)
			continue
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(exampleQuestions) {
			line = exampleQuestions[n-1]
		}
		if err := ask(ctx, p, r, session, line); err != nil {
			return err
		}
	}
}
