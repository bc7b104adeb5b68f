package models

import (
	"context"
	"errors"
	"time"

	"github.com/creetelo/admin_backend/config"
	"gorm.io/gorm"
)

// CancellationTracking is the sequential checklist for one member's
// cancellation process, addressed by email. process_completed is derived:
// it is set only when the survey is completed and both billing backends
// have been cancelled.
type CancellationTracking struct {
	ID    uint   `gorm:"primary_key" json:"id"`
	Email string `gorm:"size:255;uniqueIndex;not null" json:"email"`

	EmailRequested   bool       `gorm:"not null;default:false" json:"email_requested"`
	EmailRequestedAt *time.Time `json:"email_requested_at"`

	SurveyViewed   bool       `gorm:"not null;default:false" json:"survey_viewed"`
	SurveyViewedAt *time.Time `json:"survey_viewed_at"`

	SurveyCompleted   bool       `gorm:"not null;default:false" json:"survey_completed"`
	SurveyCompletedAt *time.Time `json:"survey_completed_at"`

	BaremetricsCancelled   bool       `gorm:"not null;default:false" json:"baremetrics_cancelled"`
	BaremetricsCancelledAt *time.Time `json:"baremetrics_cancelled_at"`

	StripeCancelled   bool       `gorm:"not null;default:false" json:"stripe_cancelled"`
	StripeCancelledAt *time.Time `json:"stripe_cancelled_at"`

	ProcessCompleted   bool       `gorm:"not null;default:false" json:"process_completed"`
	ProcessCompletedAt *time.Time `json:"process_completed_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CancellationTracking) TableName() string {
	return "cancellation_trackings"
}

// CancellationToken is the short-lived single-use token that gates access to
// the survey step. Once consumed (is_used) or expired it must be rejected.
type CancellationToken struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	TrackingId uint       `gorm:"index;not null" json:"tracking_id"`
	Email      string     `gorm:"size:255;index;not null" json:"email"`
	Token      string     `gorm:"size:64;uniqueIndex;not null" json:"token"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	IsUsed     bool       `gorm:"not null;default:false" json:"is_used"`
	UsedAt     *time.Time `json:"used_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (CancellationToken) TableName() string {
	return "cancellation_tokens"
}

func (t *CancellationToken) Valid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// CancellationSurvey holds the answers submitted at the survey step.
type CancellationSurvey struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	TrackingId  uint      `gorm:"index;not null" json:"tracking_id"`
	Email       string    `gorm:"size:255;index;not null" json:"email"`
	Reason      string    `gorm:"size:255" json:"reason"`
	Feedback    string    `gorm:"type:text" json:"feedback"`
	AnswersJSON []byte    `gorm:"type:json" json:"answers"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CancellationSurvey) TableName() string {
	return "cancellation_surveys"
}

func GetCancellationTrackingByEmail(ctx context.Context, email string) (*CancellationTracking, error) {
	db := config.GetDB()
	var tracking CancellationTracking
	err := db.WithContext(ctx).Where("email = ?", email).Take(&tracking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tracking, nil
}

func GetCancellationTokenByValue(ctx context.Context, token string) (*CancellationToken, error) {
	db := config.GetDB()
	var t CancellationToken
	err := db.WithContext(ctx).Where("token = ?", token).Take(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ConsumeCancellationToken marks a token used with a conditional update so a
// token can only ever be consumed once.
func ConsumeCancellationToken(ctx context.Context, id uint) (bool, error) {
	now := time.Now()
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&CancellationToken{}).
		Where("id = ? AND is_used = ?", id, false).
		Updates(map[string]interface{}{
			"is_used": true,
			"used_at": &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PurgeExpiredCancellationTokens deletes unused tokens past their expiry.
func PurgeExpiredCancellationTokens(ctx context.Context) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Where("is_used = ? AND expires_at < ?", false, time.Now()).
		Delete(&CancellationToken{})
	return res.RowsAffected, res.Error
}
