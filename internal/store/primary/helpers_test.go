package primary_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"coralnet/internal/models"
	"coralnet/internal/store/primary"
)

func newTestStore(t *testing.T) *primary.StoreImpl {
	t.Helper()
	ctx := context.Background()
	s, err := primary.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "coralnet.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func createSource(t *testing.T, s *primary.StoreImpl, name string) *models.Source {
	t.Helper()
	src := &models.Source{Name: name, FeatureExtractor: "efficientnet_b0_ver1", TrainsOwnClassifiers: true}
	require.NoError(t, s.CreateSource(context.Background(), src))
	return src
}
