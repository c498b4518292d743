package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: jobs.many_failures is read
// from CORALNET_JOBS_MANY_FAILURES.
const EnvPrefix = "CORALNET"

type Config struct {
	Database struct {
		// Driver is "postgres" or "sqlite".
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency     int            `mapstructure:"concurrency"`
		Queues          map[string]int `mapstructure:"queues"`
		ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
		// MaxRetry is the queue-level retry count for bookkeeping failures.
		MaxRetry int `mapstructure:"max_retry"`
	} `mapstructure:"worker"`

	Jobs struct {
		EnablePeriodic     bool          `mapstructure:"enable_periodic"`
		ManyFailures       int           `mapstructure:"many_failures"`
		FailureCooldown    time.Duration `mapstructure:"failure_cooldown"`
		MinJitter          time.Duration `mapstructure:"min_jitter"`
		MaxJitter          time.Duration `mapstructure:"max_jitter"`
		RunScheduledEvery  time.Duration `mapstructure:"run_scheduled_every"`
		ScheduledBatchSize int           `mapstructure:"scheduled_batch_size"`
		HistoryDays        int           `mapstructure:"job_history_days"`
	} `mapstructure:"jobs"`

	Spacer struct {
		// Backend is "redis" or "local".
		Backend          string        `mapstructure:"backend"`
		JobsKey          string        `mapstructure:"jobs_key"`
		ResultsKey       string        `mapstructure:"results_key"`
		SubmitRate       float64       `mapstructure:"submit_rate"`
		SubmitBurst      int           `mapstructure:"submit_burst"`
		CollectEvery     time.Duration `mapstructure:"collect_every"`
		CollectBatchSize int           `mapstructure:"collect_batch_size"`
		ModelFilePattern string        `mapstructure:"model_file_pattern"`
	} `mapstructure:"spacer"`

	Vision struct {
		ImprovementThreshold float64 `mapstructure:"improvement_threshold"`
		ScoresPerAnnotation  int     `mapstructure:"scores_per_annotation"`
		MinImagesForTraining int     `mapstructure:"min_images_for_training"`
		RetrainThreshold     float64 `mapstructure:"retrain_threshold"`
		DefaultExtractor     string  `mapstructure:"default_extractor"`
	} `mapstructure:"vision"`

	Email struct {
		// Provider is "smtp", "mailgun" or "log".
		Provider      string   `mapstructure:"provider"`
		From          string   `mapstructure:"from"`
		Admins        []string `mapstructure:"admins"`
		SizeSoftLimit int      `mapstructure:"size_soft_limit"`
		SMTP          struct {
			Host     string `mapstructure:"host"`
			Port     string `mapstructure:"port"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
		} `mapstructure:"smtp"`
		Mailgun struct {
			Domain  string `mapstructure:"domain"`
			Key     string `mapstructure:"key"`
			APIBase string `mapstructure:"api_base"`
		} `mapstructure:"mailgun"`
	} `mapstructure:"email"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "coralnet.db")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"periodic": 6, "spacer": 3, "default": 1})
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.max_retry", 3)

	v.SetDefault("jobs.enable_periodic", true)
	v.SetDefault("jobs.many_failures", 5)
	v.SetDefault("jobs.failure_cooldown", 72*time.Hour)
	v.SetDefault("jobs.min_jitter", 5*time.Second)
	v.SetDefault("jobs.max_jitter", 30*time.Second)
	v.SetDefault("jobs.run_scheduled_every", 3*time.Minute)
	v.SetDefault("jobs.scheduled_batch_size", 500)
	v.SetDefault("jobs.job_history_days", 30)

	v.SetDefault("spacer.backend", "redis")
	v.SetDefault("spacer.jobs_key", "spacer:jobs")
	v.SetDefault("spacer.results_key", "spacer:results")
	v.SetDefault("spacer.submit_rate", 0.0)
	v.SetDefault("spacer.submit_burst", 1)
	v.SetDefault("spacer.collect_every", time.Minute)
	v.SetDefault("spacer.collect_batch_size", 100)
	v.SetDefault("spacer.model_file_pattern", "classifiers/{pk}.model")

	v.SetDefault("vision.improvement_threshold", 1.01)
	v.SetDefault("vision.scores_per_annotation", 5)
	v.SetDefault("vision.min_images_for_training", 20)
	v.SetDefault("vision.retrain_threshold", 1.1)
	v.SetDefault("vision.default_extractor", "efficientnet_b0_ver1")

	v.SetDefault("email.provider", "log")
	v.SetDefault("email.from", "")
	v.SetDefault("email.admins", []string{})
	v.SetDefault("email.size_soft_limit", 10000)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", "587")
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.mailgun.domain", "")
	v.SetDefault("email.mailgun.key", "")
	v.SetDefault("email.mailgun.api_base", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", 8080)
}

// LoadConfig reads config.yaml from path, or when path is empty from the
// working directory or DefaultConfigDir, then applies environment
// overrides. A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := DefaultConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Hosting platforms commonly provide these unprefixed.
	_ = v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("redis.address", EnvPrefix+"_REDIS_ADDRESS", "REDIS_ADDR")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &config, nil
}

// DefaultConfigDir is ~/.config/coralnet.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "coralnet"), nil
}
