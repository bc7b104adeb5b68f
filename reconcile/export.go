package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/creetelo/admin_backend/models"
	"github.com/xuri/excelize/v2"
)

var exportColumns = []string{
	"email", "name", "company", "phone", "tags",
	"created_date", "last_activity",
	"import_status", "baremetrics_customer_id", "imported_at",
}

// exportRow flattens one MissingUser deterministically. Repeated exports of
// an unmutated run are byte identical.
func exportRow(row models.MissingUser) []string {
	customerId := ""
	if row.BaremetricsCustomerId != nil {
		customerId = *row.BaremetricsCustomerId
	}
	importedAt := ""
	if row.ImportedAt != nil {
		importedAt = row.ImportedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		row.Email, row.Name, row.Company, row.Phone, row.Tags,
		row.CreatedDate, row.LastActivity,
		row.ImportStatus, customerId, importedAt,
	}
}

// ExportCSV writes the run's missing users as CSV.
func ExportCSV(ctx context.Context, comparisonId uint) ([]byte, error) {
	rows, err := models.ListMissingUsersForExport(ctx, comparisonId)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(exportColumns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := writer.Write(exportRow(row)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportXLSX writes the run's missing users as a single-sheet workbook.
func ExportXLSX(ctx context.Context, comparisonId uint) ([]byte, error) {
	rows, err := models.ListMissingUsersForExport(ctx, comparisonId)
	if err != nil {
		return nil, err
	}

	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Missing Users"
	index, err := file.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	file.SetActiveSheet(index)
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	for col, name := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := file.SetCellValue(sheet, cell, name); err != nil {
			return nil, err
		}
	}

	for i, row := range rows {
		values := exportRow(row)
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, err
			}
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportFileName names the download after the run id and format.
func ExportFileName(comparisonId uint, format string) string {
	return fmt.Sprintf("missing_users_comparison_%d.%s", comparisonId, format)
}
