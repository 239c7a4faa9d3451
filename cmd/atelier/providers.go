package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelierlabs/atelier/internal/providers"
)

// providersCmd shows the provider selection the process would boot with.
// Runtime switching happens against a running server via
// PUT /api/providers.
func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show the boot-time provider selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := providers.InitialSelection(cfg.Providers)

			fmt.Printf("Mode: %s\n", cfg.Providers.Mode)
			fmt.Println()
			fmt.Printf("  LLM:     %s\n", sel.LLM)
			fmt.Printf("  Image:   %s\n", sel.Image)
			fmt.Printf("  Vision:  %s\n", sel.Vision)
			fmt.Printf("  Ranking: %s\n", sel.Ranking)
			fmt.Println()

			fmt.Printf("OpenAI: %s\n", maskSecret(cfg.Providers.OpenAIAPIKey))
			fmt.Println()
			fmt.Println("To switch a running server: PUT /api/providers")
			fmt.Println(`  {"llm": "openai", "image": "local", "vision": "local", "ranking": "local"}`)
			return nil
		},
	}
}
