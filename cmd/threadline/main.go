// Package main provides the CLI entry point for the Threadline agent service.
//
// Threadline serves streaming LLM agent chat over HTTP: authenticated
// clients post a message and receive the model's response as an SSE event
// stream, with conversation persistence, per-tier daily quotas, and
// optional tool calling.
//
// Start the server with:
//
//	threadline serve --config threadline.yaml
//
// Validate a configuration file without starting anything:
//
//	threadline check-config --config threadline.yaml
//
// Values inside the YAML file may reference environment variables with
// ${VAR} expansion; ANTHROPIC_API_KEY, OPENAI_API_KEY, and
// TELEGRAM_BOT_TOKEN are the commonly referenced ones.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Bootstrap logger for failures before serve builds the configured one.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Kept separate from main so tests
// can execute commands in-process.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "threadline",
		Short: "Streaming LLM agent chat service",
		Long: `Threadline serves agent chat over HTTP with SSE streaming.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Gemini,
Groq, Cerebras, Perplexity.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildCheckConfigCmd())
	return root
}
