// Package testutil provides shared helpers for store-backed tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ksred/paper-api/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var dbCounter atomic.Int64

// NewDB opens a fresh in-memory store with the full schema migrated. Each
// call gets its own database so tests cannot observe each other's rows.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))

	db, err := database.New(dsn)
	require.NoError(t, err, "failed to open test database")

	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}
