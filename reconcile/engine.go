package reconcile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/utils"
	"github.com/sirupsen/logrus"
)

// progressEveryRows bounds how often the running counters hit the database
// while streaming the CSV.
const progressEveryRows = 25

// Engine drives one reconciliation run: build the MatchIndex, stream the
// uploaded CSV, classify every row, persist missing users and counters.
type Engine struct {
	directory BillingDirectory
	logger    *logrus.Logger
}

func NewEngine(directory BillingDirectory) *Engine {
	return &Engine{
		directory: directory,
		logger:    config.GetLogger(),
	}
}

type runTotals struct {
	rows    int
	found   int
	missing int
	skipped int
}

// foundRow is one CSV row whose email matched a billing customer. Found rows
// are aggregated into the completion snapshot, never persisted individually.
type foundRow struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	OID      string `json:"baremetrics_oid"`
	SourceID string `json:"source_id"`
	Provider string `json:"provider"`
}

// ProcessComparison runs the full reconciliation for one record. The record
// must be claimable (status=pending); re-running a processed record is
// rejected so duplicate missing rows are never appended.
func (e *Engine) ProcessComparison(ctx context.Context, comparisonId uint) error {
	claimed, err := models.ClaimComparisonForProcessing(ctx, comparisonId)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("comparison %d is not pending", comparisonId)
	}

	if err := e.process(ctx, comparisonId); err != nil {
		config.LogError(e.logger, "reconcile", "ProcessComparison", "run failed",
			map[string]interface{}{"comparison_id": comparisonId}, err)
		if markErr := models.MarkComparisonFailed(context.WithoutCancel(ctx), comparisonId, err.Error()); markErr != nil {
			config.LogError(e.logger, "reconcile", "ProcessComparison", "mark failed",
				map[string]interface{}{"comparison_id": comparisonId}, markErr)
		}
		return err
	}
	return nil
}

func (e *Engine) process(ctx context.Context, comparisonId uint) error {
	record, err := models.GetComparison(ctx, comparisonId)
	if err != nil {
		return err
	}

	e.publishProgress(ctx, comparisonId, "fetching billing customers", 5, map[string]interface{}{})

	index, err := BuildMatchIndex(ctx, e.directory, func(fetched int) {
		e.publishProgress(ctx, comparisonId, "fetching billing customers", 10, map[string]interface{}{
			"total_baremetrics_customers": fetched,
		})
	})
	if err != nil {
		return fmt.Errorf("build match index: %w", err)
	}

	reader, err := utils.OpenUpload(ctx, record.CsvFilePath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer reader.Close()

	totals, missing, found, err := e.classify(ctx, comparisonId, record, reader, index)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		db := config.GetDB()
		if err := db.WithContext(ctx).CreateInBatches(missing, 200).Error; err != nil {
			return fmt.Errorf("persist missing users: %w", err)
		}
	}

	snapshots, err := buildSnapshots(totals, index, missing, found)
	if err != nil {
		return err
	}
	snapshots["total_ghl_contacts"] = totals.rows
	snapshots["total_baremetrics_customers"] = index.CustomersFetched()
	snapshots["comparisons_made"] = totals.found + totals.missing
	snapshots["found_count"] = totals.found
	snapshots["missing_count"] = totals.missing
	snapshots["skipped_count"] = totals.skipped

	if err := models.MarkComparisonCompleted(ctx, comparisonId, snapshots); err != nil {
		return err
	}
	e.mirrorProgressToRedis(comparisonId, "completed", 100)

	e.logger.WithFields(logrus.Fields{
		"comparison_id": comparisonId,
		"rows":          totals.rows,
		"found":         totals.found,
		"missing":       totals.missing,
		"skipped":       totals.skipped,
	}).Info("comparison completed")
	return nil
}

// classify streams the CSV in file order. Every row with a non-empty email is
// classified exactly once as found or missing; rows without a usable email
// are skipped and counted.
func (e *Engine) classify(ctx context.Context, comparisonId uint, record *models.Comparison, r io.Reader, index *MatchIndex) (runTotals, []models.MissingUser, []foundRow, error) {
	csvReader := csv.NewReader(r)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		return runTotals{}, nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := mapColumns(header)
	if _, ok := columns["email"]; !ok {
		return runTotals{}, nil, nil, fmt.Errorf("csv has no email column")
	}

	var totals runTotals
	var missing []models.MissingUser
	var found []foundRow
	seenMissing := make(map[string]bool)

	for {
		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// malformed row, skip and keep going
			totals.rows++
			totals.skipped++
			continue
		}
		totals.rows++

		email := utils.NormalizeEmail(fieldAt(row, columns, "email"))
		if email == "" || !utils.IsValidEmail(email) {
			totals.skipped++
			continue
		}

		if customer, ok := index.Lookup(email); ok {
			totals.found++
			found = append(found, foundRow{
				Email:    email,
				Name:     fieldAt(row, columns, "name"),
				OID:      customer.OID,
				SourceID: customer.SourceID,
				Provider: customer.Provider,
			})
		} else {
			totals.missing++
			if !seenMissing[email] {
				seenMissing[email] = true
				missing = append(missing, models.MissingUser{
					ComparisonId: comparisonId,
					Email:        email,
					Name:         fieldAt(row, columns, "name"),
					Phone:        fieldAt(row, columns, "phone"),
					Company:      fieldAt(row, columns, "company"),
					Tags:         fieldAt(row, columns, "tags"),
					CreatedDate:  fieldAt(row, columns, "created_date"),
					LastActivity: fieldAt(row, columns, "last_activity"),
					ImportStatus: models.ImportStatusPending,
				})
			}
		}

		if totals.rows%progressEveryRows == 0 {
			percentage := 10
			if record.TotalRowsExpected > 0 {
				percentage = 10 + (totals.rows*85)/record.TotalRowsExpected
			}
			e.publishProgress(ctx, comparisonId, "comparing csv rows", percentage, map[string]interface{}{
				"total_ghl_contacts": totals.rows,
				"comparisons_made":   totals.found + totals.missing,
				"found_count":        totals.found,
				"missing_count":      totals.missing,
				"skipped_count":      totals.skipped,
			})
		}
	}

	return totals, missing, found, nil
}

func buildSnapshots(totals runTotals, index *MatchIndex, missing []models.MissingUser, found []foundRow) (map[string]interface{}, error) {
	summary := map[string]interface{}{
		"total_rows":      totals.rows,
		"found":           totals.found,
		"missing":         totals.missing,
		"skipped":         totals.skipped,
		"indexed_emails":  index.Size(),
		"billing_sources": index.Sources(),
	}
	comparisonData, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}

	type missingSnapshot struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Company string `json:"company"`
		Tags    string `json:"tags"`
	}
	missingRows := make([]missingSnapshot, 0, len(missing))
	for _, m := range missing {
		missingRows = append(missingRows, missingSnapshot{Email: m.Email, Name: m.Name, Company: m.Company, Tags: m.Tags})
	}
	missingData, err := json.Marshal(missingRows)
	if err != nil {
		return nil, err
	}

	// found rows under a non-CRM provider hint the contact lives in another
	// configured source
	var otherSources []foundRow
	for _, f := range found {
		if f.Provider != "" && !strings.EqualFold(f.Provider, "stripe") {
			otherSources = append(otherSources, f)
		}
	}
	if otherSources == nil {
		otherSources = []foundRow{}
	}
	foundOtherData, err := json.Marshal(otherSources)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"comparison_data":             comparisonData,
		"missing_users_data":          missingData,
		"found_in_other_sources_data": foundOtherData,
	}, nil
}

// publishProgress writes the progress row and mirrors the cheap fields to
// Redis so the polling endpoint can avoid the database on hot paths.
func (e *Engine) publishProgress(ctx context.Context, comparisonId uint, step string, percentage int, counters map[string]interface{}) {
	if err := models.UpdateComparisonProgress(ctx, comparisonId, step, percentage, counters); err != nil {
		config.LogError(e.logger, "reconcile", "publishProgress", "update progress",
			map[string]interface{}{"comparison_id": comparisonId}, err)
	}
	e.mirrorProgressToRedis(comparisonId, step, percentage)
}

func (e *Engine) mirrorProgressToRedis(comparisonId uint, step string, percentage int) {
	_ = config.SetRedisObject(fmt.Sprintf("ComparisonProgress:%d", comparisonId), map[string]interface{}{
		"current_step":        step,
		"progress_percentage": percentage,
		"updated_at":          time.Now().UTC(),
	}, 10*time.Minute)
}

// mapColumns builds a case-insensitive header index with the aliases GHL
// exports tend to use.
func mapColumns(header []string) map[string]int {
	aliases := map[string]string{
		"email":         "email",
		"correo":        "email",
		"name":          "name",
		"contact name":  "name",
		"full name":     "name",
		"first name":    "name",
		"phone":         "phone",
		"telefono":      "phone",
		"company":       "company",
		"company name":  "company",
		"business name": "company",
		"tags":          "tags",
		"created":       "created_date",
		"created date":  "created_date",
		"date added":    "created_date",
		"last activity": "last_activity",
		"last_activity": "last_activity",
	}

	columns := make(map[string]int)
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		canonical, ok := aliases[key]
		if !ok {
			canonical = key
		}
		if _, taken := columns[canonical]; !taken {
			columns[canonical] = i
		}
	}
	return columns
}

func fieldAt(row []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
