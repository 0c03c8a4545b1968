package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/patternprobe/patternprobe/internal/config"
	"github.com/patternprobe/patternprobe/internal/store"
)

func historyCmd() *cobra.Command {
	var limit int
	var steps bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent scenario runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(config.DataDir())
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer st.Close()

			runs, err := st.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No recorded runs.")
				return nil
			}

			for _, run := range runs {
				verdict := "FAIL"
				if run.Passed {
					verdict = "PASS"
				}
				fmt.Printf("%s  %-8s %s  %s (%s)\n",
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					run.Scenario, verdict, run.ID,
					run.FinishedAt.Sub(run.StartedAt).Round(10*time.Millisecond))

				if !steps {
					continue
				}
				results, err := st.RunSteps(cmd.Context(), run.ID)
				if err != nil {
					return fmt.Errorf("listing steps for %s: %w", run.ID, err)
				}
				for _, r := range results {
					fmt.Printf("  %-4s %-32s %s\n", r.Status, r.Name, r.Detail)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum runs to show")
	cmd.Flags().BoolVar(&steps, "steps", false, "Show per-step outcomes")
	return cmd
}
