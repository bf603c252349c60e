package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/dispatch"
	"github.com/msageha/autodispatch/internal/events"
	"github.com/msageha/autodispatch/internal/model"
	"github.com/msageha/autodispatch/internal/notify"
	"github.com/msageha/autodispatch/internal/setup"
	"github.com/msageha/autodispatch/internal/status"
)

const version = "1.0.0"

const auditLogPath = "logs/dispatch-audit.jsonl"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "autodispatch",
		Short:         "Trigger agent sessions for pending tasks in a multi-agent workspace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.workspace, "workspace", "", "team workspace directory (default ~/.openclaw/workspace)")
	pf.StringVar(&opts.orchestrator, "orchestrator", "main", "orchestrator agent id, never auto-triggered")
	pf.StringSliceVar(&opts.exclude, "exclude", nil, "additional agent ids never auto-triggered")
	pf.StringVar(&opts.configPath, "config", "", "config file (default <workspace>/dispatch.yaml)")
	pf.BoolVar(&opts.execute, "execute", false, "actually trigger agents (default: dry-run preview)")

	root.AddCommand(newRunCmd(opts), newWatchCmd(opts), newStatusCmd(opts), newInitCmd(opts), newVersionCmd())
	return root
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one dispatch pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, cmd.Flags().Changed, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := a.runner.Run(ctx, opts.execute)
			if report != nil {
				report.Print(cmd.OutOrStdout())
			}
			return err
		},
	}
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run on task or inbox changes and on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, cmd.Flags().Changed, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching %s (never triggered: %s)\n", a.workspace, strings.Join(a.runner.Excluded(), ", "))
			w := dispatch.NewWatcher(a.runner, dispatch.WatchOptions{
				Interval:   time.Duration(a.cfg.Watch.IntervalSec) * time.Second,
				Debounce:   time.Duration(a.cfg.Watch.DebounceMs) * time.Millisecond,
				TasksFile:  model.WorkspacePath(a.workspace, a.cfg.Paths.TasksFile),
				InboxesDir: model.WorkspacePath(a.workspace, a.cfg.Paths.InboxesDir),
				Execute:    opts.execute,
				OnReport: func(report *dispatch.Report, err error) {
					if report != nil {
						report.Print(out)
					}
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					}
				},
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&opts.interval, "interval", 0, "seconds between forced runs (default from config, 60)")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cooldowns, rate limits and task counts per agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workspace, cfg, err := resolveConfig(*opts, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			sopts := status.Options{
				Workspace: workspace,
				Paths:     cfg.Paths,
				Cooldown:  time.Duration(cfg.Limits.CooldownMin) * time.Minute,
				LockFile:  dispatch.LockFileName,
				Now:       time.Now(),
			}
			if cfg.Audit.Enabled {
				sopts.AuditLog = auditLogPath
			}
			s, err := status.Collect(sopts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return status.WriteJSON(cmd.OutOrStdout(), s)
			}
			status.Print(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newInitCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create the workspace layout and a default dispatch.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.workspace
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = defaultWorkspace()
			}
			dir, err := absPath(dir)
			if err != nil {
				return err
			}
			orchestrator := ""
			if cmd.Flags().Changed("orchestrator") {
				orchestrator = opts.orchestrator
			}
			res, err := setup.Run(dir, orchestrator)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized workspace %s\n", res.Workspace)
			for _, f := range res.Created {
				fmt.Fprintf(out, "  created %s\n", f)
			}
			for _, f := range res.Kept {
				fmt.Fprintf(out, "  kept    %s\n", f)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autodispatch %s\n", version)
		},
	}
}

// app bundles the runner with the resources it owns.
type app struct {
	workspace string
	cfg       model.Config
	runner    *dispatch.Runner
	closers   []io.Closer
}

func newApp(opts cliOptions, changed flagChanged, stderr io.Writer) (*app, error) {
	workspace, cfg, err := resolveConfig(opts, changed)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", workspace)
	}

	a := &app{workspace: workspace, cfg: cfg}
	logWriter := stderr
	if cfg.Logging.File != "" {
		logPath := model.WorkspacePath(workspace, cfg.Logging.File)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open dispatch log: %w", err)
		}
		a.closers = append(a.closers, f)
		logWriter = f
	}

	ropts := dispatch.Options{
		Workspace:    workspace,
		Paths:        cfg.Paths,
		Orchestrator: cfg.Orchestrator,
		Exclude:      cfg.Exclude,
		Policy:       dispatch.PolicyFromConfig(cfg),
		Invoker:      agent.NewCommandInvoker(agent.ResolveBinary(cfg.Runtime.Bin)),
		Classifier:   dispatch.NewPhraseClassifier(cfg.Runtime.RateLimitSignals),
		Logger:       log.New(logWriter, "", 0),
		LogLevel:     dispatch.ParseLogLevel(cfg.Logging.Level),
		UseLock:      cfg.Lock.Enabled,
	}
	if cfg.Audit.Enabled {
		audit, err := events.NewAuditLogger(model.WorkspacePath(workspace, auditLogPath), int64(cfg.Audit.MaxSizeMB)*1024*1024)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, audit)
		ropts.Audit = audit
	}
	if cfg.Notify.Desktop {
		ropts.DesktopNotify = notify.Send
	}

	a.runner, err = dispatch.NewRunner(ropts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
