package migrations

import (
	"strings"
	"testing"
)

func TestSessionStoreMigrationIsEmbedded(t *testing.T) {
	data, err := Files.ReadFile("0001_create_session_store.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	ddl := string(data)
	if !strings.Contains(ddl, "session_store") || !strings.Contains(ddl, "store_key") {
		t.Fatalf("migration does not create the session_store table: %s", ddl)
	}
}
