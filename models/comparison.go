package models

import (
	"context"
	"errors"
	"time"

	"github.com/creetelo/admin_backend/config"
	"gorm.io/gorm"
)

const (
	ComparisonStatusPending    = "pending"
	ComparisonStatusProcessing = "processing"
	ComparisonStatusCompleted  = "completed"
	ComparisonStatusFailed     = "failed"
)

// Comparison is one GHL-vs-Baremetrics reconciliation run.
type Comparison struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	Name            string `gorm:"size:255;not null" json:"name"`
	CsvFilePath     string `gorm:"size:512;not null" json:"csv_file_path"`
	CsvOriginalName string `gorm:"size:255" json:"csv_original_name"`

	Status       string `gorm:"size:20;not null;default:pending;index" json:"status"`
	ErrorMessage string `gorm:"type:text" json:"error_message"`

	// Counters are updated monotonically while a run is processing.
	TotalGhlContacts          int `json:"total_ghl_contacts"`
	TotalBaremetricsCustomers int `json:"total_baremetrics_customers"`
	ComparisonsMade           int `json:"comparisons_made"`
	FoundCount                int `json:"found_count"`
	MissingCount              int `json:"missing_count"`
	SkippedCount              int `json:"skipped_count"`
	TotalRowsExpected         int `json:"total_rows_expected"`

	CurrentStep        string     `gorm:"size:255" json:"current_step"`
	ProgressPercentage int        `json:"progress_percentage"`
	LastProgressUpdate *time.Time `json:"last_progress_update"`

	// Snapshots of the diff result, written once at completion.
	ComparisonData          []byte `gorm:"type:json" json:"comparison_data"`
	MissingUsersData        []byte `gorm:"type:json" json:"missing_users_data"`
	FoundInOtherSourcesData []byte `gorm:"type:json" json:"found_in_other_sources_data"`

	MissingUsers []MissingUser `gorm:"foreignKey:ComparisonId;constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Comparison) TableName() string {
	return "ghl_baremetrics_comparisons"
}

func GetComparison(ctx context.Context, id uint) (*Comparison, error) {
	db := config.GetDB()
	var record Comparison
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func ListComparisons(ctx context.Context, page, perPage int) ([]Comparison, int64, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 200 {
		perPage = 20
	}
	db := config.GetDB()

	var total int64
	if err := db.WithContext(ctx).Model(&Comparison{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []Comparison
	err := db.WithContext(ctx).
		Order("id desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&records).Error
	return records, total, err
}

func CreateComparison(ctx context.Context, record *Comparison) error {
	db := config.GetDB()
	record.Status = ComparisonStatusPending
	return db.WithContext(ctx).Create(record).Error
}

// ClaimComparisonForProcessing flips pending -> processing with a conditional
// update so a run can only ever be triggered once per record.
func ClaimComparisonForProcessing(ctx context.Context, id uint) (bool, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Comparison{}).
		Where("id = ? AND status = ?", id, ComparisonStatusPending).
		Updates(map[string]interface{}{
			"status":       ComparisonStatusProcessing,
			"current_step": "queued",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateComparisonProgress persists the running counters and progress fields.
// Last-write-wins is acceptable: only one engine run targets a record at a time.
func UpdateComparisonProgress(ctx context.Context, id uint, step string, percentage int, counters map[string]interface{}) error {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	now := time.Now()
	updates := map[string]interface{}{
		"current_step":         step,
		"progress_percentage":  percentage,
		"last_progress_update": &now,
	}
	for k, v := range counters {
		updates[k] = v
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Comparison{}).Where("id = ?", id).Updates(updates).Error
}

func MarkComparisonCompleted(ctx context.Context, id uint, snapshots map[string]interface{}) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":               ComparisonStatusCompleted,
		"current_step":         "completed",
		"progress_percentage":  100,
		"last_progress_update": &now,
	}
	for k, v := range snapshots {
		updates[k] = v
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Comparison{}).Where("id = ?", id).Updates(updates).Error
}

// MarkComparisonFailed records the failure reason and leaves the partial
// progress counters intact for diagnosis.
func MarkComparisonFailed(ctx context.Context, id uint, reason string) error {
	now := time.Now()
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Comparison{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":               ComparisonStatusFailed,
		"error_message":        reason,
		"last_progress_update": &now,
	}).Error
}

// DeleteComparison removes a run and all of its missing users transactionally.
// The record exclusively owns its rows.
func DeleteComparison(ctx context.Context, id uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("comparison_id = ?", id).Delete(&MissingUser{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Comparison{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
