package models

import (
	"context"
	"testing"
	"time"

	"github.com/creetelo/admin_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	config.SetDB(db)
	return db
}

func TestClaimComparisonForProcessing(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "run", CsvFilePath: "comparisons/run.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	assert.Equal(t, ComparisonStatusPending, record.Status)

	claimed, err := ClaimComparisonForProcessing(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// second claim must lose, the transition is monotonic
	claimed, err = ClaimComparisonForProcessing(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := GetComparison(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, ComparisonStatusProcessing, got.Status)
}

func TestClaimCompletedComparisonRejected(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "done", CsvFilePath: "comparisons/done.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	_, err := ClaimComparisonForProcessing(ctx, record.ID)
	require.NoError(t, err)
	require.NoError(t, MarkComparisonCompleted(ctx, record.ID, map[string]interface{}{"found_count": 3}))

	claimed, err := ClaimComparisonForProcessing(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := GetComparison(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, ComparisonStatusCompleted, got.Status)
	assert.Equal(t, 3, got.FoundCount)
	assert.Equal(t, 100, got.ProgressPercentage)
}

func TestMarkComparisonFailedKeepsCounters(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "failing", CsvFilePath: "comparisons/failing.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	_, err := ClaimComparisonForProcessing(ctx, record.ID)
	require.NoError(t, err)

	require.NoError(t, UpdateComparisonProgress(ctx, record.ID, "comparing csv rows", 40, map[string]interface{}{
		"found_count":   7,
		"missing_count": 2,
	}))
	require.NoError(t, MarkComparisonFailed(ctx, record.ID, "list customers source=src_1 page=3: status 500"))

	got, err := GetComparison(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, ComparisonStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "page=3")
	assert.Equal(t, 7, got.FoundCount)
	assert.Equal(t, 2, got.MissingCount)
}

func TestUpdateComparisonProgressClamps(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "clamp", CsvFilePath: "comparisons/clamp.csv"}
	require.NoError(t, CreateComparison(ctx, &record))

	require.NoError(t, UpdateComparisonProgress(ctx, record.ID, "x", 250, nil))
	got, err := GetComparison(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercentage)

	require.NoError(t, UpdateComparisonProgress(ctx, record.ID, "x", -5, nil))
	got, err = GetComparison(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProgressPercentage)
}

func TestDeleteComparisonCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "owner", CsvFilePath: "comparisons/owner.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	other := Comparison{Name: "other", CsvFilePath: "comparisons/other.csv"}
	require.NoError(t, CreateComparison(ctx, &other))

	rows := []MissingUser{
		{ComparisonId: record.ID, Email: "a@example.com", ImportStatus: ImportStatusPending},
		{ComparisonId: record.ID, Email: "b@example.com", ImportStatus: ImportStatusFailed},
		{ComparisonId: other.ID, Email: "c@example.com", ImportStatus: ImportStatusPending},
	}
	require.NoError(t, db.Create(&rows).Error)

	require.NoError(t, DeleteComparison(ctx, record.ID))

	var remaining int64
	require.NoError(t, db.Model(&MissingUser{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)

	_, err := GetComparison(ctx, record.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// the other run's rows survive
	err = DeleteComparison(ctx, record.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMissingUserInvariants(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "inv", CsvFilePath: "comparisons/inv.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	row := MissingUser{ComparisonId: record.ID, Email: "m@example.com", ImportStatus: ImportStatusPending}
	require.NoError(t, db.Create(&row).Error)

	claimed, err := ClaimMissingUserForImport(ctx, row.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// importing rows are not claimable again
	claimed, err = ClaimMissingUserForImport(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, MarkMissingUserImportFailed(ctx, row.ID, "timeout"))
	got, err := GetMissingUser(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ImportStatusFailed, got.ImportStatus)
	require.NotNil(t, got.ImportError)
	assert.Equal(t, "timeout", *got.ImportError)
	assert.Nil(t, got.BaremetricsCustomerId)
	assert.Nil(t, got.ImportedAt)

	// failed is re-enterable
	claimed, err = ClaimMissingUserForImport(ctx, row.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, MarkMissingUserImported(ctx, row.ID, "cus_123"))
	got, err = GetMissingUser(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ImportStatusImported, got.ImportStatus)
	require.NotNil(t, got.BaremetricsCustomerId)
	assert.Equal(t, "cus_123", *got.BaremetricsCustomerId)
	assert.Nil(t, got.ImportError)
	assert.NotNil(t, got.ImportedAt)

	// imported is terminal for the claim path
	claimed, err = ClaimMissingUserForImport(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRevertStaleImporting(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	record := Comparison{Name: "stale", CsvFilePath: "comparisons/stale.csv"}
	require.NoError(t, CreateComparison(ctx, &record))
	row := MissingUser{ComparisonId: record.ID, Email: "s@example.com", ImportStatus: ImportStatusImporting}
	require.NoError(t, db.Create(&row).Error)

	// recently touched rows stay importing
	reverted, err := RevertStaleImporting(ctx, record.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reverted)

	// anything older than a zero cutoff is stale
	reverted, err = RevertStaleImporting(ctx, record.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reverted)

	got, err := GetMissingUser(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ImportStatusPending, got.ImportStatus)
}
