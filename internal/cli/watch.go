package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"coalesce/internal/app"
	"coalesce/internal/config"
)

type watchFlags struct {
	name     string
	policy   string
	delay    string
	max      string
	overlap  string
	timeout  string
	initial  bool
	logLevel string
	logJSON  bool
}

func newWatchCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch [flags] PATH... -- COMMAND [ARGS...]",
		Short: "Run a command once per burst of changes under PATHs",
		Example: "  coalesced watch --delay 300ms ./src -- go build ./...\n" +
			"  coalesced watch --policy max_since_first_touch --delay 1s --max 10s /etc/nginx -- nginx -s reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := watchConfig(f, args, cmd.ArgsLenAtDash())
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "job name (default: command basename)")
	fl.StringVar(&f.policy, "policy", "resetting", "simple, resetting, max_since_first_touch or max_since_last_run")
	fl.StringVar(&f.delay, "delay", "500ms", "quiet period after the last change")
	fl.StringVar(&f.max, "max", "", "upper bound on how long a burst may postpone the run")
	fl.StringVar(&f.overlap, "overlap", "skip", "what a due run does while the previous is still running: skip or defer")
	fl.StringVar(&f.timeout, "timeout", "", "kill the command after this long")
	fl.BoolVar(&f.initial, "initial", false, "also run once at startup")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fl.BoolVar(&f.logJSON, "log-json", false, "log JSON instead of console text")
	return cmd
}

// watchConfig turns the watch command line into a single-job config.
func watchConfig(f watchFlags, args []string, dash int) (*config.Config, error) {
	if dash < 0 {
		return nil, errors.New("missing -- before the command")
	}
	paths, argv := args[:dash], args[dash:]
	if len(paths) == 0 {
		return nil, errors.New("at least one PATH is required")
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("a COMMAND is required after --")
	}
	name := strings.TrimSpace(f.name)
	if name == "" {
		name = filepath.Base(argv[0])
	}

	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: f.logLevel, Console: true, JSON: f.logJSON},
		Jobs: []config.JobConfig{{
			Name:         name,
			Policy:       f.policy,
			Delay:        f.delay,
			MaxElapsed:   f.max,
			Overlap:      f.overlap,
			Timeout:      f.timeout,
			Command:      argv,
			Watch:        paths,
			TouchOnStart: f.initial,
		}},
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return cfg, nil
}
