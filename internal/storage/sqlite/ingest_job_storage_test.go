package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/models"
)

// setupTestDB creates a test database and returns cleanup function
func setupTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, dbPath)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func seedDocument(t *testing.T, db *SQLiteDB) int64 {
	t.Helper()
	logger := arbor.NewLogger()
	ctx := context.Background()

	spaces := NewSpaceStorage(db, logger)
	err := spaces.CreateSpace(ctx, &models.KbSpace{
		SpaceCode:   "kb1",
		DisplayName: "Test Space",
		Enabled:     true,
	})
	require.NoError(t, err)

	docs := NewDocumentStorage(db, logger)
	id, err := docs.CreateDocument(ctx, &models.Document{
		SpaceCode:   "kb1",
		Filename:    "manual.pdf",
		ContentType: "application/pdf",
		Size:        1024,
		StorageURI:  "local://kb1/manual.pdf",
		SHA256:      "abc123",
	})
	require.NoError(t, err)
	return id
}

func TestIngestJobStorage_CreateIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	job1, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusPending, job1.Status)
	assert.Equal(t, 1, job1.IndexVersion)

	// A duplicate submit before promotion collides on the idempotency key
	// and returns the existing job
	job2, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)
	assert.Equal(t, job1.ID, job2.ID)
	assert.Equal(t, 1, job2.IndexVersion)

	// Once version 1 is promoted, a resubmit allocates the next version
	docs := NewDocumentStorage(db, logger)
	require.NoError(t, docs.SetActiveIndexVersion(ctx, docID, 1))

	job3, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)
	assert.NotEqual(t, job1.ID, job3.ID)
	assert.Equal(t, 2, job3.IndexVersion)
}

func TestIngestJobStorage_ClaimAndFinish(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	created, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, models.IngestStatusRunning, claimed.Status)
	assert.Equal(t, "worker-a", claimed.LockedBy)
	assert.Equal(t, 1, claimed.TryCount)
	require.NotNil(t, claimed.LockedUntil)
	assert.True(t, claimed.LockedUntil.After(time.Now()))

	// No second eligible job while the lease holds
	other, err := store.ClaimNextIngestJob(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	err = store.FinishIngestJob(ctx, claimed.ID, models.IngestStatusSucceeded, "")
	require.NoError(t, err)

	done, err := store.GetIngestJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusSucceeded, done.Status)
	assert.Empty(t, done.LockedBy)
	assert.Nil(t, done.LockedUntil)
}

func TestIngestJobStorage_RetryUntilExhausted(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	_, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 2)
	require.NoError(t, err)

	// Fail twice: each claim increments try_count, FAILED stays eligible
	// while try_count < max_retries
	for i := 0; i < 2; i++ {
		claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should claim", i+1)
		err = store.FinishIngestJob(ctx, claimed.ID, models.IngestStatusFailed, "parse timeout")
		require.NoError(t, err)
	}

	// try_count == max_retries: no longer eligible
	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestIngestJobStorage_RenewLeaseOnlyForHolder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	_, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := store.RenewIngestLease(ctx, claimed.ID, "worker-a", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Another worker cannot renew someone else's lease
	n, err = store.RenewIngestLease(ctx, claimed.ID, "worker-b", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIngestJobStorage_ExpiredLeaseIsReclaimable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	_, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	// Claim with an already-expired lease to simulate a crashed worker
	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", -time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reclaimed, err := store.ClaimNextIngestJob(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, claimed.ID, reclaimed.ID)
	assert.Equal(t, "worker-b", reclaimed.LockedBy)
	assert.Equal(t, 2, reclaimed.TryCount)
}

func TestIngestJobStorage_ExpiredLeaseRespectsRetryBudget(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	_, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 1)
	require.NoError(t, err)

	// One attempt allowed: the claim consumes it even though the lease
	// expires immediately
	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", -time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.TryCount)

	// A crash-looping job must not be reclaimed past max_retries
	reclaimed, err := store.ClaimNextIngestJob(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)
}

func TestIngestJobStorage_NullLeaseRunningIsReclaimable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	job, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	// A RUNNING row without a lease can only come from a partial write;
	// it must still be reclaimable
	_, err = db.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, locked_by = 'worker-gone', locked_until = NULL WHERE id = ?`,
		int(models.IngestStatusRunning), job.ID)
	require.NoError(t, err)

	reclaimed, err := store.ClaimNextIngestJob(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, "worker-b", reclaimed.LockedBy)
}

func TestIngestJobStorage_CancelByDocument(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	job, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	n, err := store.CancelIngestJobsByDocument(ctx, docID, "document deleted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusCancelled, got.Status)
	assert.Equal(t, "document deleted", got.LastError)

	// Terminal jobs are not eligible for claiming
	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestIngestJobStorage_RequeueExpiredLeases(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewIngestJobStorage(db, logger)
	ctx := context.Background()
	docID := seedDocument(t, db)

	_, err := store.CreateIngestJob(ctx, docID, "kb1", "v1", 3)
	require.NoError(t, err)

	claimed, err := store.ClaimNextIngestJob(ctx, "worker-a", -time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := store.RequeueExpiredIngestLeases(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetIngestJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusFailed, got.Status)
	assert.Empty(t, got.LockedBy)
}
