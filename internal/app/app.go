package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/config"
	"coralnet/internal/incident"
	"coralnet/internal/jobs"
	"coralnet/internal/notify"
	"coralnet/internal/queue"
	"coralnet/internal/spacer"
	"coralnet/internal/store/primary"
	"coralnet/internal/vision"
	"coralnet/internal/vision/results"
)

type App struct {
	Config *config.Config

	Store     *primary.StoreImpl
	Registry  *jobs.Registry
	Queue     *queue.Client
	Scheduler *jobs.Scheduler
	Executor  *jobs.Executor

	Mailer    notify.Mailer
	Incidents *incident.Reporter
	Backend   spacer.Backend
	Pipeline  *vision.Pipeline

	redis *redis.Client
}

// NewApp connects to the database and wires every job. It does not apply
// the schema; see the migrate command.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg, Registry: jobs.NewRegistry()}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initNotifications(); err != nil {
		app.Close()
		return nil, err
	}
	app.initScheduler()
	if err := app.initBackend(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initJobs(); err != nil {
		app.Close()
		return nil, err
	}

	log.Debugf("Application initialized with %d job definitions", len(app.Registry.Definitions()))
	return app, nil
}

// RedisConnOpt is the asynq connection shared by the client, worker and
// periodic scheduler.
func (a *App) RedisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// ServerConfig sizes the asynq worker.
func (a *App) ServerConfig() queue.ServerConfig {
	return queue.ServerConfig{
		Concurrency:     a.Config.Worker.Concurrency,
		Queues:          a.Config.Worker.Queues,
		ShutdownTimeout: a.Config.Worker.ShutdownTimeout,
	}
}

// Ping checks the database and, when the Redis spacer backend is in use,
// the Redis connection.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			log.Warnf("closing queue client: %v", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warnf("closing redis client: %v", err)
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// --- Private Helper Methods ---

func (a *App) initStore(ctx context.Context) error {
	s, err := primary.Open(ctx, a.Config.Database.Driver, a.Config.Database.DSN)
	if err != nil {
		return fmt.Errorf("init primary store: %w", err)
	}
	a.Store = s
	return nil
}

func (a *App) initNotifications() error {
	m, err := notify.New(NotifyConfig(a.Config))
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}
	a.Mailer = m
	a.Incidents = incident.NewReporter(m, a.Store, a.Config.Email.SizeSoftLimit)
	return nil
}

func (a *App) initScheduler() {
	a.Queue = queue.NewClient(a.RedisConnOpt(), a.Config.Worker.MaxRetry)
	a.Scheduler = jobs.NewScheduler(a.Store, a.Registry, a.Queue, a.Mailer, JobsConfig(a.Config))
	a.Executor = jobs.NewExecutor(a.Scheduler, a.Store, a.Incidents)
}

func (a *App) initBackend() error {
	switch a.Config.Spacer.Backend {
	case "local":
		log.Warnln("Using the local spacer backend; submitted jobs are kept in memory only.")
		a.Backend = spacer.NewLocalBackend(nil)
	case "redis", "":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Address,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.Backend = spacer.NewRedisBackend(a.redis, spacer.RedisConfig{
			JobsKey:     a.Config.Spacer.JobsKey,
			ResultsKey:  a.Config.Spacer.ResultsKey,
			SubmitRate:  a.Config.Spacer.SubmitRate,
			SubmitBurst: a.Config.Spacer.SubmitBurst,
		})
	default:
		return fmt.Errorf("unknown spacer backend %q", a.Config.Spacer.Backend)
	}
	return nil
}

func (a *App) initJobs() error {
	a.Pipeline = vision.NewPipeline(vision.Deps{
		Tx:          a.Store,
		Scheduler:   a.Scheduler,
		Jobs:        a.Store,
		Sources:     a.Store,
		Images:      a.Store,
		Features:    a.Store,
		Classifiers: a.Store,
		ApiJobs:     a.Store,
		Backend:     a.Backend,
		Reporter:    a.Incidents,
		Config:      VisionConfig(a.Config),
	})
	if err := a.Pipeline.RegisterJobs(a.Registry); err != nil {
		return fmt.Errorf("register vision jobs: %w", err)
	}
	if err := jobs.RegisterMaintenanceJobs(a.Registry, a.Scheduler, a.Store, MaintenanceConfig(a.Config)); err != nil {
		return fmt.Errorf("register maintenance jobs: %w", err)
	}
	return nil
}

// --- Config translation ---

func JobsConfig(cfg *config.Config) jobs.Config {
	c := jobs.DefaultConfig()
	c.ManyFailures = cfg.Jobs.ManyFailures
	c.FailureCooldown = cfg.Jobs.FailureCooldown
	c.MinJitter = cfg.Jobs.MinJitter
	c.MaxJitter = cfg.Jobs.MaxJitter
	c.EnablePeriodicJobs = cfg.Jobs.EnablePeriodic
	return c
}

func MaintenanceConfig(cfg *config.Config) jobs.MaintenanceConfig {
	c := jobs.DefaultMaintenanceConfig()
	c.RunScheduledEvery = cfg.Jobs.RunScheduledEvery
	c.ScheduledBatchSize = cfg.Jobs.ScheduledBatchSize
	c.JobRetention = daysToDuration(cfg.Jobs.HistoryDays)
	return c
}

func VisionConfig(cfg *config.Config) vision.Config {
	c := vision.DefaultConfig()
	c.CollectEvery = cfg.Spacer.CollectEvery
	c.CollectBatchSize = cfg.Spacer.CollectBatchSize
	c.MinImagesForTraining = cfg.Vision.MinImagesForTraining
	c.RetrainThreshold = cfg.Vision.RetrainThreshold
	c.DefaultExtractor = cfg.Vision.DefaultExtractor
	c.Results = results.Config{
		ImprovementThreshold: cfg.Vision.ImprovementThreshold,
		ScoresPerAnnotation:  cfg.Vision.ScoresPerAnnotation,
		ModelFilePattern:     cfg.Spacer.ModelFilePattern,
	}
	return c
}

func NotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Provider: cfg.Email.Provider,
		From:     cfg.Email.From,
		Admins:   cfg.Email.Admins,
		SMTP: notify.SMTPConfig{
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
		},
		Mailgun: notify.MailgunConfig{
			Domain:  cfg.Email.Mailgun.Domain,
			Key:     cfg.Email.Mailgun.Key,
			APIBase: cfg.Email.Mailgun.APIBase,
		},
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
	return nil
}
