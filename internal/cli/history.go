package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coalesce/internal/app"
	"coalesce/internal/config"
	"coalesce/internal/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		job   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig).Parse()
			if err != nil {
				return err
			}
			st, err := app.OpenJournal(cfg)
			if errors.Is(err, storage.ErrDisabled) {
				return errors.New("storage is not configured; no journal to read")
			}
			if err != nil {
				return err
			}
			defer st.Close()

			jobs := []string{job}
			if job == "" {
				jobs = jobs[:0]
				for _, j := range cfg.Jobs {
					jobs = append(jobs, j.Name)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s  %-25s  %-10s  %-10s  %-4s  %s\n", "JOB", "STARTED", "LATENESS", "DURATION", "OK", "ERROR")
			n := 0
			for _, name := range jobs {
				runs, err := st.Recent(cmd.Context(), name, limit)
				if err != nil {
					return fmt.Errorf("history %s: %w", name, err)
				}
				for _, r := range runs {
					ok := "yes"
					if !r.OK {
						ok = "no"
					}
					fmt.Fprintf(out, "%-24s  %-25s  %-10s  %-10s  %-4s  %s\n",
						r.Job, r.Started.Format(time.RFC3339), r.Lateness.Round(time.Millisecond),
						r.Duration.Round(time.Millisecond), ok, r.Error)
					n++
				}
			}
			if n == 0 {
				fmt.Fprintln(out, "No runs recorded.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "only this job (default: every configured job)")
	cmd.Flags().IntVar(&limit, "limit", 20, "runs per job, newest first")
	return cmd
}
