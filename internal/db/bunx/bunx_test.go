package bunx

import "testing"

func TestDetectDatabaseType(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		expected DatabaseType
	}{
		{name: "postgres scheme", dsn: "postgres://roster:pw@localhost:5432/roster", expected: DatabaseTypePostgreSQL},
		{name: "postgresql scheme", dsn: "postgresql://roster:pw@localhost:5432/roster", expected: DatabaseTypePostgreSQL},
		{name: "unix socket scheme", dsn: "unix://roster:pw@roster/var/run/postgresql/.s.PGSQL.5432", expected: DatabaseTypePostgreSQL},
		{name: "sqlite in-memory", dsn: ":memory:", expected: DatabaseTypeSQLite},
		{name: "sqlite file path", dsn: "/var/lib/roster/roster.db", expected: DatabaseTypeSQLite},
		{name: "sqlite file scheme", dsn: "file:roster.db", expected: DatabaseTypeSQLite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDatabaseType(tt.dsn); got != tt.expected {
				t.Errorf("DetectDatabaseType(%q) = %v, expected %v", tt.dsn, got, tt.expected)
			}
		})
	}
}
