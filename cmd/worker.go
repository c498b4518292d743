package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"coralnet/internal/app"
	"coralnet/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long:  `Starts the asynq worker process that runs every registered job under its policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}
		if err := runWorker(appInstance); err != nil {
			log.Errorf("Worker exited with error: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(appInstance *app.App) error {
	cfg := appInstance.ServerConfig()
	srv := queue.NewServer(appInstance.RedisConnOpt(), cfg)
	mux := queue.NewServeMux(appInstance.Registry, appInstance.Executor)

	log.Infof("Starting asynq worker (Concurrency: %d, Queues: %v)...", cfg.Concurrency, cfg.Queues)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	waitForShutdown()
	srv.Stop()
	srv.Shutdown()
	log.Infoln("Worker shutdown complete.")
	return nil
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic job scheduler",
	Long: `Registers a cron entry for every job with a fixed frequency, schedules
the first run of every interval job, and keeps running until interrupted.
Run exactly one scheduler per deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if !appInstance.Config.Jobs.EnablePeriodic {
			log.Warnln("Periodic jobs are disabled (jobs.enable_periodic=false); nothing to schedule.")
			return nil
		}

		n, err := appInstance.Scheduler.SchedulePeriodicJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to schedule periodic jobs: %w", err)
		}
		log.Infof("Scheduled %d periodic job(s)", n)

		sched := queue.NewScheduler(appInstance.RedisConnOpt())
		ids, err := queue.RegisterPeriodicTasks(sched, appInstance.Registry)
		if err != nil {
			return err
		}
		log.Infof("Registered %d cron entries", len(ids))
		return runScheduler(sched)
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(sched *asynq.Scheduler) error {
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start asynq scheduler: %w", err)
	}
	waitForShutdown()
	sched.Shutdown()
	log.Infoln("Scheduler shutdown complete.")
	return nil
}

func waitForShutdown() {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Infoln("Shutdown signal received. Initiating graceful shutdown...")
}
