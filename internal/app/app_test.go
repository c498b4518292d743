package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/config"
	"coralnet/internal/jobs"
	"coralnet/internal/notify"
	"coralnet/internal/spacer"
	"coralnet/internal/tasks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "coralnet.db")
	cfg.Spacer.Backend = "local"
	return cfg
}

func TestNewApp_RegistersAllJobs(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	for _, name := range []string{
		tasks.ExtractFeatures,
		tasks.TrainClassifier,
		tasks.ClassifyImage,
		tasks.CheckSource,
		tasks.CollectSpacerJobs,
		tasks.ResetClassifiersForSource,
		tasks.ResetBackendForSource,
		jobs.RunScheduledJobsName,
		jobs.CleanUpOldJobsName,
	} {
		_, err := a.Registry.Lookup(name)
		assert.NoError(t, err, name)
	}

	assert.IsType(t, &spacer.LocalBackend{}, a.Backend)
	assert.IsType(t, notify.LogMailer{}, a.Mailer)
	require.NoError(t, a.Store.Migrate(context.Background()))
}

func TestNewApp_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spacer.Backend = "carrier-pigeon"
	_, err := NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestConfigTranslation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.HistoryDays = 7
	cfg.Jobs.ManyFailures = 2
	cfg.Vision.ImprovementThreshold = 1.05
	cfg.Spacer.ModelFilePattern = "media/classifiers/{pk}.model"

	jc := JobsConfig(cfg)
	assert.Equal(t, 2, jc.ManyFailures)
	assert.Contains(t, jc.PersistJobNames, tasks.TrainClassifier)

	mc := MaintenanceConfig(cfg)
	assert.Equal(t, 7*24*time.Hour, mc.JobRetention)
	assert.Equal(t, 3*time.Minute, mc.RunScheduledEvery)

	vc := VisionConfig(cfg)
	assert.InDelta(t, 1.05, vc.Results.ImprovementThreshold, 1e-9)
	assert.Equal(t, "media/classifiers/{pk}.model", vc.Results.ModelFilePattern)
	assert.Equal(t, time.Minute, vc.CollectEvery)
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	cfg := testConfig(t)
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	require.NoError(t, ConfigureLogging(cfg))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	cfg.Log.Level = "loud"
	assert.Error(t, ConfigureLogging(cfg))
}
