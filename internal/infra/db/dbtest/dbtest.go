// Package dbtest открывает мигрированную SQLite-базу во временном каталоге теста.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"tg-forwarder/internal/infra/db"

	"github.com/stretchr/testify/require"
)

// Open возвращает пул на свежем файле SQLite; закрывается в t.Cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "forwarder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Migrate(context.Background()))
	return conn
}
