package primary

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	pg := &StoreImpl{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM jobs WHERE id = $1 AND status IN ($2, $3)",
		pg.rebind("SELECT * FROM jobs WHERE id = ? AND status IN (?, ?)"))

	lite := &StoreImpl{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
