// Package cli implements the oiat command tree.
//
// One binary carries every role of the platform: the interactive
// orchestrator (`run`, `run-all`), the combined daemon (`serve`), the
// standalone schedule worker (`schedule-worker`), queue operations
// (`dispatch`, `reconcile-jobs`), and the OAuth bootstrap
// (`store-tokens`). The dispatcher re-invokes this same binary as a
// subprocess for every queued run, so exit codes are part of the
// contract:
//
//	0   run completed
//	1   run failed
//	2   blocked by an existing run lock, or a usage error
//	3   dispatcher could not start the run subprocess
//	126/127 passed through from the POS fetch command
package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/pipeline"
	"oiat.dev/version"
)

// cfgFile holds the --config flag value. Empty means the standard search
// path (., ./configs, ~/.oiat, /etc/oiat).
var cfgFile string

// RootCmd is the oiat command tree root.
var RootCmd = &cobra.Command{
	Use:   "oiat",
	Short: "POS-to-accounting automation platform",
	Long: `oiat ingests daily point-of-sale exports for many companies, normalizes
them into accounting documents, uploads them idempotently to the remote
accounting service, and reconciles the results.

Runs can be triggered directly (run, run-all), queued through the
dispatcher (dispatch), or driven by cron schedules and the operator
portal (serve, schedule-worker).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., ./configs, ~/.oiat, /etc/oiat)")
	RootCmd.Version = version.Short()

	// Flag parse failures are usage errors, not run failures.
	RootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fields := common.ErrorFields(err, "cli")
		fields["exit_code"] = code
		common.Logger.WithFields(fields).Error("Command failed")
		return code
	}
	return 0
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

func usageError(err error) error {
	return &exitError{code: pipeline.ExitBlocked, err: err}
}

func usagef(format string, args ...interface{}) error {
	return usageError(fmt.Errorf(format, args...))
}

// exitCode maps a run error to the subprocess exit code contract. Lock
// contention maps to 2; fetch-command exit codes 126 and 127 (not
// executable, not found) pass through so the operator sees the shell's
// diagnosis.
func exitCode(err error) int {
	code := pipeline.ExitCodeFor(err)
	var cmdErr *pipeline.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == 126 || cmdErr.Code == 127) {
		code = cmdErr.Code
	}
	return code
}

// exitWith wraps a run error with its mapped exit code.
func exitWith(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: exitCode(err), err: err}
}

// loadApp loads the application configuration and applies its logging
// settings to the shared logger.
func loadApp() (*config.AppConfig, error) {
	app, err := config.LoadApp(cfgFile)
	if err != nil {
		return nil, err
	}
	applyLogging(app.Logging)
	return app, nil
}

// applyLogging rebuilds the shared logger from the app config. It runs
// before any service loggers or run-log hooks are attached.
func applyLogging(cfg config.LoggingConfig) {
	lc := common.DefaultLoggerConfig()
	if level := strings.ToLower(cfg.Level); level != "" {
		if level == "warning" {
			level = "warn"
		}
		lc.Level = common.LogLevel(level)
	}
	if strings.EqualFold(cfg.Format, "json") {
		lc.Format = "json"
	}
	common.Logger = common.NewLogger(lc)
}

// resolveDates validates the --date / --from / --to flag combination and
// returns the inclusive date range.
func resolveDates(date, from, to string) (string, string, error) {
	switch {
	case date != "" && (from != "" || to != ""):
		return "", "", usagef("--date cannot be combined with --from/--to")
	case date != "":
		from, to = date, date
	case from == "" && to == "":
		return "", "", usagef("a target date is required (--date or --from/--to)")
	case from == "" || to == "":
		return "", "", usagef("--from and --to must be given together")
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return "", "", usagef("invalid date %q (want YYYY-MM-DD)", d)
		}
	}
	if to < from {
		return "", "", usagef("--to %s is before --from %s", to, from)
	}
	return from, to, nil
}
