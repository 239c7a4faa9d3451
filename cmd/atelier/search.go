package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/search"
	"github.com/atelierlabs/atelier/internal/session"
)

// searchCmd runs one search session in the foreground
func searchCmd() *cobra.Command {
	var (
		style           string
		descriptiveness string
		seed            int64
		iterations      int
		beam            int
		survivors       int
		ensemble        int
		rankingMode     string
		mockMode        bool
	)

	cmd := &cobra.Command{
		Use:   "search <prompt>",
		Short: "Run an image refinement search",
		Long: `Run one search session in the foreground, printing progress as the
beam expands, renders, and ranks. The session directory with all
candidate prompts, images, rankings, and the final winner lands under
the sessions root.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mockMode {
				cfg.Providers.Mode = "mock"
			}

			e, err := buildEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			req := search.Request{
				SessionID:       session.NewSessionID(time.Now()),
				Prompt:          args[0],
				Style:           style,
				Descriptiveness: descriptiveness,
				Config: models.SearchConfig{
					BeamWidth:    beam,
					Survivors:    survivors,
					EnsembleSize: ensemble,
					RankingMode:  models.RankingMode(rankingMode),
				},
			}
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}
			if cmd.Flags().Changed("iterations") {
				req.Iterations = &iterations
			}

			// Subscribe before starting so no early event is missed.
			events := e.hub.Subscribe(req.SessionID)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := e.search.Start(ctx, req); err != nil {
				return err
			}
			fmt.Printf("Session %s started\n", req.SessionID)

			go func() {
				<-ctx.Done()
				_ = e.search.Cancel(req.SessionID)
			}()

			printProgress(events)

			if err := e.search.Wait(context.Background(), req.SessionID); err != nil {
				return err
			}
			return printResult(e, req.SessionID)
		},
	}

	cmd.Flags().StringVar(&style, "style", "", "Style hint for prompt expansion")
	cmd.Flags().StringVar(&descriptiveness, "descriptiveness", "", "Descriptiveness hint (terse, normal, elaborate)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Base image generation seed")
	cmd.Flags().IntVarP(&iterations, "iterations", "i", 0, "Iteration budget (unset = config default; 0 completes without iterating)")
	cmd.Flags().IntVarP(&beam, "beam", "b", 0, "Candidates per iteration (0 = config default)")
	cmd.Flags().IntVar(&survivors, "survivors", 0, "Survivors per iteration (0 = config default)")
	cmd.Flags().IntVar(&ensemble, "ensemble", 0, "Comparison votes per pair (0 = config default)")
	cmd.Flags().StringVar(&rankingMode, "ranking-mode", "", "Ranking mode: ranking or score")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "Use deterministic mock providers")

	return cmd
}

// printProgress renders the event stream until the session reaches a
// terminal event or the channel closes.
func printProgress(events <-chan ports.ProgressEvent) {
	for event := range events {
		line := fmt.Sprintf("[%s]", event.Stage)
		if event.Iteration >= 0 {
			line += fmt.Sprintf(" i%d", event.Iteration)
		}
		if event.CandidateID != nil {
			line += fmt.Sprintf(" c%d", *event.CandidateID)
		}
		if event.Message != "" {
			line += " " + event.Message
		}
		if event.Progress > 0 {
			line += fmt.Sprintf(" (%.0f%%)", event.Progress*100)
		}
		if event.Status == ports.StatusError {
			line = "ERROR " + line
		}
		fmt.Println(line)

		if event.Stage == "session" && (event.Status == ports.StatusComplete || event.Status == ports.StatusError) {
			return
		}
	}
}

// printResult loads the stored document and summarises the outcome.
func printResult(e *engine, sessionID string) error {
	sess, err := e.search.Get(sessionID)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Session:    %s\n", sess.SessionID)
	fmt.Printf("Status:     %s\n", sess.Status)
	fmt.Printf("Iterations: %d\n", len(sess.Iterations))
	if sess.Error != nil {
		fmt.Printf("Error:      [%s] %s\n", sess.Error.Kind, sess.Error.Message)
	}
	if sess.FinalWinner != nil {
		w := sess.FinalWinner
		fmt.Printf("Winner:     iteration %d, candidate %d\n", w.Iteration, w.CandidateID)
		if w.TotalScore != nil {
			fmt.Printf("Score:      %.4f\n", *w.TotalScore)
		}
		if it := sess.FindIteration(w.Iteration); it != nil {
			if c := it.FindCandidate(w.CandidateID); c != nil && c.Image != nil {
				fmt.Printf("Image:      %s\n", c.Image.LocalPath)
			}
		}
	}

	if sess.Status == models.SessionStatusFailed {
		return fmt.Errorf("session %s failed", sess.SessionID)
	}
	return nil
}
