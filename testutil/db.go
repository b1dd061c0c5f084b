package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/intent-radar/db"
)

// SetupTestDB returns a migrated Store. It uses Postgres when TEST_PG_DSN is
// set and a throwaway SQLite file otherwise.
func SetupTestDB(t *testing.T) *db.Store {
	t.Helper()
	dialect, dsn := db.SQLite, "file:"+filepath.Join(t.TempDir(), "test.db")+"?_pragma=busy_timeout(5000)"
	if pg := os.Getenv("TEST_PG_DSN"); pg != "" {
		dialect, dsn = db.Postgres, pg
	}
	database, err := db.Connect(dialect, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(database, dialect); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return db.NewStore(database, dialect)
}
