package signatures_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db/dbtest"
	"tg-forwarder/internal/repository/signatures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureLookupAndCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := signatures.New(dbtest.Open(t).DB)
	now := time.Now()

	require.NoError(t, repo.InsertBatch(ctx, []models.MediaSignature{
		{ChatID: "100", Signature: "photo:42", ContentHash: "h1", MediaType: "photo", CreatedAt: now},
		{ChatID: "100", Signature: "photo:7", ContentHash: "h2", MediaType: "photo", CreatedAt: now.Add(-48 * time.Hour)},
		{ChatID: "200", Signature: "photo:42", MediaType: "photo", CreatedAt: now},
	}))

	ok, err := repo.HasSignature(ctx, "100", "photo:42", time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasSignature(ctx, "100", "photo:7", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "row outside the window is ignored")

	ok, err = repo.HasContentHash(ctx, "100", "h1", time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasContentHash(ctx, "200", "h1", time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	var walked []string
	require.NoError(t, repo.WalkSince(ctx, time.Time{}, func(chatID, sig, _ string) {
		walked = append(walked, chatID+"|"+sig)
	}))
	assert.Len(t, walked, 3)

	n, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := repo.Count(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
