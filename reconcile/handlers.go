package reconcile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxUploadBytes = 20 << 20

// Handlers exposes the reconciliation surface over gin.
type Handlers struct {
	engine   *Engine
	importer *Importer
}

func NewHandlers(engine *Engine, importer *Importer) *Handlers {
	return &Handlers{engine: engine, importer: importer}
}

// CreateComparisonHandler accepts a multipart CSV upload and creates a
// pending run. Processing starts only on an explicit trigger.
func (h *Handlers) CreateComparisonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("csv_file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "csv_file is required"})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "csv file too large"})
			return
		}
		if ext := strings.ToLower(filepath.Ext(fileHeader.Filename)); ext != ".csv" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only .csv uploads are accepted"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
			return
		}

		rowsExpected, err := countCsvRows(data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid csv: " + err.Error()})
			return
		}

		name := strings.TrimSpace(c.PostForm("name"))
		if name == "" {
			name = strings.TrimSuffix(fileHeader.Filename, filepath.Ext(fileHeader.Filename))
		}

		objectKey := "comparisons/" + uuid.NewString() + ".csv"
		storedPath, err := utils.SaveUpload(c.Request.Context(), objectKey, data, "text/csv")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		record := models.Comparison{
			Name:              name,
			CsvFilePath:       storedPath,
			CsvOriginalName:   fileHeader.Filename,
			TotalRowsExpected: rowsExpected,
		}
		if err := models.CreateComparison(c.Request.Context(), &record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"id": record.ID, "status": record.Status, "total_rows_expected": rowsExpected})
	}
}

// ProcessComparisonHandler triggers the async run. Re-triggering a record
// that already left pending returns 409.
func (h *Handlers) ProcessComparisonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}

		record, err := models.GetComparison(c.Request.Context(), id)
		if err != nil {
			respondRecordError(c, err)
			return
		}
		if record.Status != models.ComparisonStatusPending {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("comparison is %s, only pending runs can be processed", record.Status)})
			return
		}

		if err := h.engine.DispatchComparison(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "queued"})
	}
}

func (h *Handlers) ListComparisonsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

		records, total, err := models.ListComparisons(c.Request.Context(), page, perPage)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": records, "total": total})
	}
}

func (h *Handlers) GetComparisonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		record, err := models.GetComparison(c.Request.Context(), id)
		if err != nil {
			respondRecordError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// ProgressHandler serves the polling endpoint. The Redis mirror answers the
// cheap fields when present; the database stays authoritative.
func (h *Handlers) ProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		record, err := models.GetComparison(c.Request.Context(), id)
		if err != nil {
			respondRecordError(c, err)
			return
		}

		progress := gin.H{
			"id":                          record.ID,
			"status":                      record.Status,
			"current_step":                record.CurrentStep,
			"progress_percentage":         record.ProgressPercentage,
			"last_progress_update":        record.LastProgressUpdate,
			"error_message":               record.ErrorMessage,
			"total_ghl_contacts":          record.TotalGhlContacts,
			"total_baremetrics_customers": record.TotalBaremetricsCustomers,
			"comparisons_made":            record.ComparisonsMade,
			"found_count":                 record.FoundCount,
			"missing_count":               record.MissingCount,
			"skipped_count":               record.SkippedCount,
			"total_rows_expected":         record.TotalRowsExpected,
		}

		var cached map[string]interface{}
		if exists, err := config.GetRedisObject(fmt.Sprintf("ComparisonProgress:%d", id), &cached); err == nil && exists {
			if step, ok := cached["current_step"].(string); ok && record.Status == models.ComparisonStatusProcessing {
				progress["current_step"] = step
			}
		}

		c.JSON(http.StatusOK, progress)
	}
}

func (h *Handlers) DeleteComparisonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if err := models.DeleteComparison(c.Request.Context(), id); err != nil {
			respondRecordError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) ListMissingUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		filter := models.MissingUserFilter{
			ImportStatus: strings.TrimSpace(c.Query("import_status")),
			Search:       strings.TrimSpace(c.Query("search")),
			Page:         page,
			PerPage:      perPage,
		}

		rows, total, err := models.ListMissingUsers(c.Request.Context(), id, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows, "total": total})
	}
}

type importRequest struct {
	Ids []uint `json:"ids"`
	All bool   `json:"all"`
}

// ImportMissingUsersHandler runs the import workflow for the selected rows,
// or every claimable row when all=true.
func (h *Handlers) ImportMissingUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}

		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if !req.All && len(req.Ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ids or all is required"})
			return
		}

		var result ImportResult
		if req.All {
			var err error
			result, err = h.importer.ImportAllPending(c.Request.Context(), id)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			result = h.importer.ImportMany(c.Request.Context(), req.Ids)
		}

		c.JSON(http.StatusOK, result)
	}
}

// RetryImportHandler re-runs the import for one failed row.
func (h *Handlers) RetryImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}

		row, err := models.GetMissingUser(c.Request.Context(), id)
		if err != nil {
			respondRecordError(c, err)
			return
		}
		if row.ImportStatus != models.ImportStatusFailed {
			c.JSON(http.StatusConflict, gin.H{"error": "retry is only available on failed rows"})
			return
		}

		claimed, err := h.importer.ImportOne(c.Request.Context(), id)
		if !claimed && err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "row is no longer retryable"})
			return
		}
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"imported": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"imported": true})
	}
}

// MarkFoundInOtherSourceHandler is the operator's out-of-band terminal
// classification for a row.
func (h *Handlers) MarkFoundInOtherSourceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if _, err := models.GetMissingUser(c.Request.Context(), id); err != nil {
			respondRecordError(c, err)
			return
		}
		if err := models.MarkMissingUserFoundInOtherSource(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// ExportHandler streams the run's missing users as xlsx (default) or csv.
func (h *Handlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if _, err := models.GetComparison(c.Request.Context(), id); err != nil {
			respondRecordError(c, err)
			return
		}

		format := strings.ToLower(c.DefaultQuery("format", "xlsx"))
		switch format {
		case "csv":
			data, err := ExportCSV(c.Request.Context(), id)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.Header("Content-Disposition", "attachment; filename="+ExportFileName(id, "csv"))
			c.Data(http.StatusOK, "text/csv", data)
		case "xlsx":
			data, err := ExportXLSX(c.Request.Context(), id)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.Header("Content-Disposition", "attachment; filename="+ExportFileName(id, "xlsx"))
			c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "format must be xlsx or csv"})
		}
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(n), true
}

func respondRecordError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// countCsvRows counts the data rows without loading the file into the
// comparison path twice.
func countCsvRows(data []byte) (int, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		return 0, fmt.Errorf("missing header row")
	}
	count := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			count++
			continue
		}
		count++
	}
	return count, nil
}
