package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDialect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dsn  string
		want db.Dialect
	}{
		{dsn: "postgres://u:p@localhost/forwarder", want: db.DialectPostgres},
		{dsn: "postgresql://localhost/forwarder", want: db.DialectPostgres},
		{dsn: "host=localhost user=u dbname=f", want: db.DialectPostgres},
		{dsn: "data/forwarder.db", want: db.DialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, db.DetectDialect(tt.dsn))
		})
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	t.Parallel()

	conn, err := db.Open(filepath.Join(t.TempDir(), "f.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.Migrate(context.Background()))
	for _, table := range []string{"forwarding_rule", "chat", "task_queue", "media_signature", "rule_log"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}

	chat := models.Chat{TelegramChatID: "12345", Name: "news", Type: models.ChatChannel}
	require.NoError(t, conn.Create(&chat).Error)
	assert.NotZero(t, chat.ID)
}
