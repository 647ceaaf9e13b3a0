// Package main provides the CLI entry point for the Aether agent kernel.
//
// Aether supervises LLM agent processes: it spawns them, drives their
// think-act-observe loop against a pluggable LLM oracle, meters their token
// and wall-clock usage, sandboxes their tool execution in containers, and
// exposes their lifecycle to external consumers over an audited event
// stream.
//
// # Basic usage
//
// Start the kernel:
//
//	aetherd serve --config aether.yaml
//
// Spawn one agent process and run it to completion on the current terminal:
//
//	aetherd spawn --role researcher --goal "summarize the open PRs"
//
// # Environment variables
//
// Configuration can be provided via environment variables; see
// internal/config for the full list (AETHER_FS_ROOT, AETHER_LOG_LEVEL,
// AETHER_MAX_TOKENS_PER_SESSION, ...). LLM credentials are read directly
// from ANTHROPIC_API_KEY, OPENAI_API_KEY, and AWS_REGION (Bedrock, via the
// default AWS credential chain).
package main

import (
	"log/slog"
	"os"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
