package primary

import (
	"context"
	"embed"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Migrate creates any missing tables and indexes. It is idempotent.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	name := "schema/" + string(s.dialect) + ".sql"
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\nstatement: %s", err, stmt)
		}
	}
	log.Debugf("schema %s applied", name)
	return nil
}
