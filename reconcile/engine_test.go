package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	config.SetDB(db)
	return db
}

// newBillingServer mocks the billing API with one source and a fixed
// customer set, split into pages of two.
func newBillingServer(t *testing.T, emails []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sources": []map[string]string{{"id": "src_1", "provider": "stripe"}},
		})
	})
	mux.HandleFunc("/src_1/customers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page <= 0 {
			page = 1
		}
		const perPage = 2
		start := (page - 1) * perPage
		end := start + perPage
		if start > len(emails) {
			start = len(emails)
		}
		if end > len(emails) {
			end = len(emails)
		}

		customers := make([]map[string]interface{}, 0, end-start)
		for i := start; i < end; i++ {
			customers = append(customers, map[string]interface{}{
				"oid":   "cus_" + strconv.Itoa(i+1),
				"email": emails[i],
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"customers": customers,
			"meta": map[string]interface{}{
				"pagination": map[string]interface{}{"page": page, "has_more": end < len(emails)},
			},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestEngine(t *testing.T, server *httptest.Server) *Engine {
	t.Helper()
	client := baremetrics.NewClient(baremetrics.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
	})
	return NewEngine(client)
}

func createComparisonWithCSV(t *testing.T, csvBody string) *models.Comparison {
	t.Helper()
	t.Setenv("UPLOADS_DIR", t.TempDir())
	t.Setenv("STORAGE_PROVIDER", "local")

	storedPath, err := utils.SaveUpload(context.Background(), "comparisons/test.csv", []byte(csvBody), "text/csv")
	require.NoError(t, err)

	record := &models.Comparison{Name: "test run", CsvFilePath: storedPath}
	require.NoError(t, models.CreateComparison(context.Background(), record))
	return record
}

func TestProcessComparisonEndToEnd(t *testing.T) {
	setupTestDB(t)
	server := newBillingServer(t, []string{"found@example.com"})
	engine := newTestEngine(t, server)

	csvBody := "Email,Name,Company,Phone,Tags\n" +
		"found@example.com,Ana Torres,Acme,555-0001,creetelo_mensual\n" +
		"missing@example.com,Luis Pena,Beta,555-0002,creetelo_anual\n" +
		",No Email,Gamma,555-0003,\n"
	record := createComparisonWithCSV(t, csvBody)

	require.NoError(t, engine.ProcessComparison(context.Background(), record.ID))

	got, err := models.GetComparison(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ComparisonStatusCompleted, got.Status)
	assert.Equal(t, 1, got.FoundCount)
	assert.Equal(t, 1, got.MissingCount)
	assert.Equal(t, 1, got.SkippedCount)
	assert.Equal(t, 3, got.TotalGhlContacts)
	assert.Equal(t, 2, got.ComparisonsMade)
	assert.Equal(t, 100, got.ProgressPercentage)
	assert.NotEmpty(t, got.ComparisonData)
	assert.NotEmpty(t, got.MissingUsersData)

	rows, total, err := models.ListMissingUsers(context.Background(), record.ID, models.MissingUserFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "missing@example.com", rows[0].Email)
	assert.Equal(t, models.ImportStatusPending, rows[0].ImportStatus)
	assert.Equal(t, "creetelo_anual", rows[0].Tags)
}

func TestProcessComparisonNormalizesEmails(t *testing.T) {
	setupTestDB(t)
	server := newBillingServer(t, []string{"a@b.com"})
	engine := newTestEngine(t, server)

	csvBody := "Email,Name\n" +
		"A@b.com,Upper\n" +
		" a@b.com ,Spaced\n"
	record := createComparisonWithCSV(t, csvBody)

	require.NoError(t, engine.ProcessComparison(context.Background(), record.ID))

	got, err := models.GetComparison(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FoundCount)
	assert.Equal(t, 0, got.MissingCount)
}

func TestProcessComparisonDeduplicatesMissing(t *testing.T) {
	setupTestDB(t)
	server := newBillingServer(t, nil)
	engine := newTestEngine(t, server)

	csvBody := "Email,Name\n" +
		"dup@example.com,First\n" +
		"DUP@example.com,Second\n"
	record := createComparisonWithCSV(t, csvBody)

	require.NoError(t, engine.ProcessComparison(context.Background(), record.ID))

	rows, total, err := models.ListMissingUsers(context.Background(), record.ID, models.MissingUserFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "First", rows[0].Name)
}

func TestProcessComparisonPaginatesAllPages(t *testing.T) {
	setupTestDB(t)
	// five customers across three pages of two
	server := newBillingServer(t, []string{
		"p1@example.com", "p2@example.com", "p3@example.com", "p4@example.com", "p5@example.com",
	})
	engine := newTestEngine(t, server)

	csvBody := "Email,Name\np5@example.com,Last Page\n"
	record := createComparisonWithCSV(t, csvBody)

	require.NoError(t, engine.ProcessComparison(context.Background(), record.ID))

	got, err := models.GetComparison(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FoundCount)
	assert.Equal(t, 5, got.TotalBaremetricsCustomers)
}

func TestProcessComparisonUpstreamFailureMarksFailed(t *testing.T) {
	setupTestDB(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	engine := newTestEngine(t, server)

	record := createComparisonWithCSV(t, "Email\nx@example.com\n")

	err := engine.ProcessComparison(context.Background(), record.ID)
	require.Error(t, err)

	got, getErr := models.GetComparison(context.Background(), record.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ComparisonStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestProcessComparisonRejectsNonPending(t *testing.T) {
	setupTestDB(t)
	server := newBillingServer(t, nil)
	engine := newTestEngine(t, server)

	record := createComparisonWithCSV(t, "Email\nonly@example.com\n")
	require.NoError(t, engine.ProcessComparison(context.Background(), record.ID))

	// re-running a completed record must be rejected, not append duplicates
	err := engine.ProcessComparison(context.Background(), record.ID)
	require.Error(t, err)

	_, total, err := models.ListMissingUsers(context.Background(), record.ID, models.MissingUserFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
