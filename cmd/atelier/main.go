package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atelierlabs/atelier/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier",
		Short: "Atelier - iterative image refinement search",
		Long: `Atelier searches the prompt space of an image generator: it expands a
request into competing candidate prompts, renders them, ranks the images
by pairwise comparison, and refines the survivors over several
iterations until a winner emerges.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env")

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		searchCmd(),
		serveCmd(),
		sessionsCmd(),
		providersCmd(),
		doctorCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Search:")
			fmt.Printf("  Beam Width:     %d\n", cfg.Search.BeamWidth)
			fmt.Printf("  Survivors:      %d\n", cfg.Search.Survivors)
			fmt.Printf("  Max Iterations: %d\n", cfg.Search.MaxIterations)
			fmt.Printf("  Alpha:          %.2f\n", cfg.Search.Alpha)
			fmt.Printf("  Ensemble Size:  %d\n", cfg.Search.EnsembleSize)
			fmt.Printf("  Ranking Mode:   %s\n", cfg.Search.RankingMode)
			fmt.Printf("  Workers:        %d\n", cfg.Search.Workers)
			fmt.Println()

			fmt.Println("Providers:")
			fmt.Printf("  Mode:           %s\n", cfg.Providers.Mode)
			fmt.Printf("  OpenAI Key:     %s\n", maskSecret(cfg.Providers.OpenAIAPIKey))
			fmt.Printf("  OpenAI URL:     %s\n", cfg.Providers.OpenAIBaseURL)
			fmt.Printf("  Expand Model:   %s\n", cfg.Providers.ModelExpand)
			fmt.Printf("  Refine Model:   %s\n", cfg.Providers.ModelRefine)
			fmt.Printf("  Vision Model:   %s\n", cfg.Providers.ModelVision)
			fmt.Printf("  Image Model:    %s\n", cfg.Providers.ModelImage)
			fmt.Println()

			fmt.Println("Storage:")
			fmt.Printf("  Sessions Root:  %s\n", cfg.Sessions.Root)
			fmt.Printf("  Services Dir:   %s\n", cfg.Services.Dir)
			fmt.Println()

			fmt.Println("Image:")
			fmt.Printf("  Size:           %dx%d\n", cfg.Image.Width, cfg.Image.Height)
			fmt.Printf("  Steps:          %d\n", cfg.Image.Steps)
			fmt.Printf("  Guidance:       %.1f\n", cfg.Image.Guidance)
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Addr:           %s\n", cfg.Server.Addr)
			fmt.Printf("  Trace:          %s\n", cfg.Trace)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  ATELIER_BEAM_WIDTH, ATELIER_SURVIVORS, ATELIER_MAX_ITERATIONS, ATELIER_ALPHA")
			fmt.Println("  ENSEMBLE_SIZE, ATELIER_RANKING_MODE, ATELIER_WORKERS")
			fmt.Println("  PROVIDER_MODE, OPENAI_API_KEY, OPENAI_BASE_URL")
			fmt.Println("  ATELIER_SESSIONS_ROOT, ATELIER_SERVICES_DIR")
			fmt.Println("  ATELIER_HTTP_ADDR, ATELIER_CORS_ORIGINS, ATELIER_TRACE, ATELIER_CONFIG")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Atelier %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
