package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}

	if c.Jobs.ManyFailures <= 0 {
		return errors.New("jobs.many_failures must be positive")
	}
	if c.Jobs.MinJitter < 0 || c.Jobs.MaxJitter < c.Jobs.MinJitter {
		return fmt.Errorf("jobs jitter bounds [%s, %s) are invalid", c.Jobs.MinJitter, c.Jobs.MaxJitter)
	}
	if c.Jobs.HistoryDays <= 0 {
		return errors.New("jobs.job_history_days must be positive")
	}

	switch c.Spacer.Backend {
	case "redis", "local":
	default:
		return fmt.Errorf("spacer.backend must be redis or local, got %q", c.Spacer.Backend)
	}
	if !strings.Contains(c.Spacer.ModelFilePattern, "{pk}") {
		return errors.New("spacer.model_file_pattern must contain {pk}")
	}
	if c.Spacer.CollectBatchSize <= 0 {
		return errors.New("spacer.collect_batch_size must be positive")
	}

	if c.Vision.ImprovementThreshold <= 0 {
		return errors.New("vision.improvement_threshold must be positive")
	}
	if c.Vision.ScoresPerAnnotation <= 0 {
		return errors.New("vision.scores_per_annotation must be positive")
	}

	switch c.Email.Provider {
	case "log", "":
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return errors.New("email.smtp.host is required when email.provider is smtp")
		}
	case "mailgun":
		if c.Email.Mailgun.Domain == "" || c.Email.Mailgun.Key == "" {
			return errors.New("email.mailgun.domain and email.mailgun.key are required when email.provider is mailgun")
		}
	default:
		return fmt.Errorf("email.provider must be smtp, mailgun or log, got %q", c.Email.Provider)
	}
	if c.Email.Provider != "log" && c.Email.Provider != "" && c.Email.From == "" {
		return errors.New("email.from is required")
	}
	return nil
}
