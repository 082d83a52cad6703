package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oiat.dev/dispatcher"
	"oiat.dev/runlock"
	"oiat.dev/scheduler"
	"oiat.dev/store"
)

var workerCmd = &cobra.Command{
	Use:   "schedule-worker",
	Short: "Run the schedule worker without the portal",
	Long: `Run only the schedule evaluation loop: reap dead runs, evaluate cron
schedules (or the SCHEDULE_CRON/SCHEDULE_TZ fallback), and dispatch
queued jobs. Useful when the portal runs on a different host.`,
	RunE: runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}

	st, err := store.Open(app.Database.PortalPath)
	if err != nil {
		return err
	}
	defer st.Close()

	binary, err := os.Executable()
	if err != nil {
		binary = "oiat"
	}
	lock := runlock.New(app.Paths.LockPath())
	disp := dispatcher.New(st, lock, app.Paths.LogsDir, binary, app.Scheduler.StaleAfter)
	worker := scheduler.New(st, disp, time.Duration(app.Scheduler.PollSeconds)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return worker.Run(ctx)
}
