package models

import (
	"context"
	"time"

	"github.com/creetelo/admin_backend/config"
)

const (
	ImportStatusPending            = "pending"
	ImportStatusImporting          = "importing"
	ImportStatusFailed             = "failed"
	ImportStatusImported           = "imported"
	ImportStatusFoundInOtherSource = "found_in_other_source"
)

// MissingUser is one GHL contact classified as absent from Baremetrics
// during a specific comparison run.
//
// Invariants maintained by the transition helpers below:
//   - baremetrics_customer_id is non-null iff import_status = imported
//   - import_error is non-null iff import_status = failed
type MissingUser struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	ComparisonId uint   `gorm:"index;not null" json:"comparison_id"`
	Email        string `gorm:"size:255;index;not null" json:"email"`
	Name         string `gorm:"size:255" json:"name"`
	Phone        string `gorm:"size:50" json:"phone"`
	Company      string `gorm:"size:255" json:"company"`
	Tags         string `gorm:"type:text" json:"tags"`
	CreatedDate  string `gorm:"size:64" json:"created_date"`
	LastActivity string `gorm:"size:64" json:"last_activity"`

	ImportStatus          string     `gorm:"size:32;not null;default:pending;index" json:"import_status"`
	BaremetricsCustomerId *string    `gorm:"size:128" json:"baremetrics_customer_id"`
	ImportError           *string    `gorm:"type:text" json:"import_error"`
	ImportedAt            *time.Time `json:"imported_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MissingUser) TableName() string {
	return "missing_users"
}

func GetMissingUser(ctx context.Context, id uint) (*MissingUser, error) {
	db := config.GetDB()
	var row MissingUser
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

type MissingUserFilter struct {
	ImportStatus string
	Search       string
	Page         int
	PerPage      int
}

// ListMissingUsers returns one page of rows for a run, with optional status
// filter and free-text search over email, name and company.
func ListMissingUsers(ctx context.Context, comparisonId uint, filter MissingUserFilter) ([]MissingUser, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 || filter.PerPage > 500 {
		filter.PerPage = 50
	}

	db := config.GetDB()
	query := db.WithContext(ctx).Model(&MissingUser{}).Where("comparison_id = ?", comparisonId)
	if filter.ImportStatus != "" {
		query = query.Where("import_status = ?", filter.ImportStatus)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where("email LIKE ? OR name LIKE ? OR company LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []MissingUser
	err := query.Order("email asc, id asc").
		Offset((filter.Page - 1) * filter.PerPage).
		Limit(filter.PerPage).
		Find(&rows).Error
	return rows, total, err
}

// ListMissingUsersForExport returns every row of a run in a deterministic
// order so repeated exports are byte identical.
func ListMissingUsersForExport(ctx context.Context, comparisonId uint) ([]MissingUser, error) {
	db := config.GetDB()
	var rows []MissingUser
	err := db.WithContext(ctx).
		Where("comparison_id = ?", comparisonId).
		Order("email asc, id asc").
		Find(&rows).Error
	return rows, err
}

// ListClaimableMissingUserIds returns the ids eligible for a bulk import pass.
func ListClaimableMissingUserIds(ctx context.Context, comparisonId uint) ([]uint, error) {
	db := config.GetDB()
	var ids []uint
	err := db.WithContext(ctx).Model(&MissingUser{}).
		Where("comparison_id = ? AND import_status IN ?", comparisonId, []string{ImportStatusPending, ImportStatusFailed}).
		Order("id asc").
		Pluck("id", &ids).Error
	return ids, err
}

// ClaimMissingUserForImport flips a row into importing with a conditional
// update, so overlapping bulk triggers skip rows already claimed. Only
// pending and failed rows are claimable (failed is re-enterable for retry).
func ClaimMissingUserForImport(ctx context.Context, id uint) (bool, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&MissingUser{}).
		Where("id = ? AND import_status IN ?", id, []string{ImportStatusPending, ImportStatusFailed}).
		Update("import_status", ImportStatusImporting)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func MarkMissingUserImported(ctx context.Context, id uint, customerId string) error {
	now := time.Now()
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MissingUser{}).Where("id = ?", id).Updates(map[string]interface{}{
		"import_status":           ImportStatusImported,
		"baremetrics_customer_id": customerId,
		"import_error":            nil,
		"imported_at":             &now,
	}).Error
}

func MarkMissingUserImportFailed(ctx context.Context, id uint, message string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MissingUser{}).Where("id = ?", id).Updates(map[string]interface{}{
		"import_status":           ImportStatusFailed,
		"baremetrics_customer_id": nil,
		"import_error":            message,
		"imported_at":             nil,
	}).Error
}

// MarkMissingUserFoundInOtherSource is the terminal out-of-band classification
// an operator applies when the contact already exists under another identity.
func MarkMissingUserFoundInOtherSource(ctx context.Context, id uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MissingUser{}).Where("id = ?", id).Updates(map[string]interface{}{
		"import_status":           ImportStatusFoundInOtherSource,
		"baremetrics_customer_id": nil,
		"import_error":            nil,
		"imported_at":             nil,
	}).Error
}

// RevertStaleImporting moves rows stuck in importing (crashed mid-flight)
// back to pending so they become claimable again.
func RevertStaleImporting(ctx context.Context, comparisonId uint, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&MissingUser{}).
		Where("comparison_id = ? AND import_status = ? AND updated_at < ?", comparisonId, ImportStatusImporting, cutoff).
		Update("import_status", ImportStatusPending)
	return res.RowsAffected, res.Error
}
