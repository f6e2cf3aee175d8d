package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable",
		MigrateURL("postgres://u:p@localhost:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://localhost/db", MigrateURL("postgresql://localhost/db"))
	assert.Equal(t, "pgx5://already", MigrateURL("pgx5://already"))
}
