package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"oiat.dev/common"
	"oiat.dev/dispatcher"
	"oiat.dev/portal"
	"oiat.dev/runlock"
	"oiat.dev/scheduler"
	"oiat.dev/store"
	"oiat.dev/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator portal, schedule worker, and job reaper",
	Long: `Run the combined daemon: the operator HTTP API, the schedule worker
that evaluates cron schedules and dispatches queued runs, and the
periodic reaper sweep that fails jobs whose process has died. Pipeline
runs themselves execute as subprocesses of this binary.

Portal accounts come from the environment: PORTAL_ADMIN_USERNAME /
PORTAL_ADMIN_PASSWORD (all permissions) and PORTAL_VIEWER_USERNAME /
PORTAL_VIEWER_PASSWORD (read only).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "override the configured portal port")
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		app.Server.Port = port
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

	users := portalUsers()
	if len(users) == 0 {
		common.Logger.Warn("No portal users configured; portal login is disabled")
	}
	srv := portal.NewServer(app, st, disp, users, version.Short())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(app.Scheduler.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := disp.Reconcile(); err != nil {
					common.Logger.WithError(err).Warn("Reaper sweep failed")
				}
			}
		}
	})

	g.Go(func() error {
		err := srv.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), app.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	common.Logger.WithField("port", app.Server.Port).Info("oiat serve started")
	return g.Wait()
}

// portalUsers assembles the portal accounts from the environment.
func portalUsers() []portal.User {
	var users []portal.User
	if name := os.Getenv("PORTAL_ADMIN_USERNAME"); name != "" {
		users = append(users, portal.User{
			Username:    name,
			Password:    os.Getenv("PORTAL_ADMIN_PASSWORD"),
			Permissions: portal.AdminPermissions(),
		})
	}
	if name := os.Getenv("PORTAL_VIEWER_USERNAME"); name != "" {
		users = append(users, portal.User{
			Username:    name,
			Password:    os.Getenv("PORTAL_VIEWER_PASSWORD"),
			Permissions: map[string]bool{},
		})
	}
	return users
}
