package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"coalesce/internal/app"
	"coalesce/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and list its jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig).Parse()
			if err != nil {
				return err
			}
			if err := app.CheckJobs(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s  %-32s  %-8s  %-8s  %s\n", "JOB", "POLICY", "DELAY", "MAX", "TRIGGERS")
			for _, j := range cfg.Jobs {
				maxElapsed := j.MaxElapsed
				if maxElapsed == "" {
					maxElapsed = "-"
				}
				fmt.Fprintf(out, "%-24s  %-32s  %-8s  %-8s  %s\n", j.Name, j.Policy, j.Delay, maxElapsed, triggers(j))
			}
			return nil
		},
	}
}

func triggers(j config.JobConfig) string {
	var t []string
	if len(j.Watch) > 0 {
		t = append(t, "watch:"+strings.Join(j.Watch, ","))
	}
	if j.Cron != "" {
		t = append(t, "cron:"+j.Cron)
	}
	if j.TouchOnStart {
		t = append(t, "start")
	}
	if len(t) == 0 {
		return "-"
	}
	return strings.Join(t, " ")
}
