package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelierlabs/atelier/internal/session"
)

// sessionsCmd groups the session store commands
func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored search sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd())
	return cmd
}

// sessionsListCmd lists stored sessions, newest first
func sessionsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := session.NewLayout(cfg.Sessions.Root)
			infos, err := layout.ListSessions()
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			if limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}

			fmt.Printf("%-12s %-12s %-10s %-17s %s\n", "ID", "Date", "Status", "Created", "Prompt")
			fmt.Println(strings.Repeat("-", 100))
			for _, info := range infos {
				prompt := info.OriginalPrompt
				if len(prompt) > 40 {
					prompt = prompt[:37] + "..."
				}
				fmt.Printf("%-12s %-12s %-10s %-17s %s\n",
					info.SessionID, info.Date, info.Status,
					info.CreatedAt.Format("2006-01-02 15:04"), prompt)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of sessions to list")
	return cmd
}

// sessionsShowCmd shows one session's document
func sessionsShowCmd() *cobra.Command {
	var showJSON bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := session.NewLayout(cfg.Sessions.Root)
			paths, err := layout.FindSessionDir(args[0])
			if err != nil {
				return err
			}
			sess, err := session.LoadSession(paths.Metadata())
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}

			if showJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}

			fmt.Printf("Session: %s\n", sess.SessionID)
			fmt.Printf("Prompt:  %s\n", sess.OriginalPrompt)
			fmt.Printf("Status:  %s\n", sess.Status)
			fmt.Printf("Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Config:  beam=%d survivors=%d iterations=%d ensemble=%d mode=%s\n",
				sess.Config.BeamWidth, sess.Config.Survivors, sess.Config.MaxIterations,
				sess.Config.EnsembleSize, sess.Config.RankingMode)
			if sess.Error != nil {
				fmt.Printf("Error:   [%s] %s\n", sess.Error.Kind, sess.Error.Message)
			}

			for _, it := range sess.Iterations {
				fmt.Println()
				fmt.Printf("Iteration %d (%s):\n", it.Number, it.Dimension)
				for _, c := range it.Candidates {
					marker := " "
					if c.Survived != nil && *c.Survived {
						marker = "*"
					}
					line := fmt.Sprintf("  %s c%d [%s]", marker, c.CandidateID, c.Status)
					if c.TotalScore != nil {
						line += fmt.Sprintf(" score=%.4f", *c.TotalScore)
					}
					if c.FailureReason != "" {
						line += " " + c.FailureReason
					}
					fmt.Println(line)
				}
			}

			if sess.FinalWinner != nil {
				fmt.Println()
				fmt.Printf("Winner:  iteration %d, candidate %d\n",
					sess.FinalWinner.Iteration, sess.FinalWinner.CandidateID)
			}
			if len(sess.Lineage) > 0 {
				refs := make([]string, 0, len(sess.Lineage))
				for _, ref := range sess.Lineage {
					refs = append(refs, fmt.Sprintf("i%d:c%d", ref.Iteration, ref.CandidateID))
				}
				fmt.Printf("Lineage: %s\n", strings.Join(refs, " -> "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
	return cmd
}
