package cancellation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/ghl"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/stripe"
	"github.com/creetelo/admin_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tokenLifetime bounds the window between requesting cancellation and
// completing the survey.
const tokenLifetime = 30 * time.Minute

// cancelledTag is appended to the GHL contact once the survey is completed.
const cancelledTag = "cancelacion_solicitada"

var (
	ErrInvalidToken    = errors.New("token is invalid, used or expired")
	ErrTrackingMissing = errors.New("no cancellation in progress for this email")
	ErrSurveyRequired  = errors.New("survey must be completed before billing cancellation")
)

// BillingCanceller is the slice of the billing platform the flow needs.
type BillingCanceller interface {
	ListSources(ctx context.Context) ([]baremetrics.Source, error)
	FindCustomerByEmail(ctx context.Context, sourceIDs []string, email string) (*baremetrics.Customer, error)
	ListCustomerSubscriptions(ctx context.Context, sourceID, customerOID string) ([]baremetrics.Subscription, error)
	DeleteSubscription(ctx context.Context, sourceID, subscriptionOID string) error
}

// PaymentsCanceller cancels the member's payment-platform subscriptions.
type PaymentsCanceller interface {
	SearchCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// CRMTagger marks the CRM contact after the survey step. Optional.
type CRMTagger interface {
	FindContactByEmail(ctx context.Context, email string) (*ghl.Contact, error)
	AddContactTag(ctx context.Context, contactID string, tags ...string) error
}

// Service walks one member through the sequential cancellation checklist:
// email requested -> survey viewed -> survey completed -> billing backends
// cancelled -> process completed.
type Service struct {
	billing  BillingCanceller
	payments PaymentsCanceller
	crm      CRMTagger
	logger   *logrus.Logger
}

func NewService(billing BillingCanceller, payments PaymentsCanceller, crm CRMTagger) *Service {
	return &Service{
		billing:  billing,
		payments: payments,
		crm:      crm,
		logger:   config.GetLogger(),
	}
}

// RequestCancellation opens (or reuses) the tracking row for the email and
// issues a fresh single-use survey token.
func (s *Service) RequestCancellation(ctx context.Context, email string) (*models.CancellationToken, error) {
	email = utils.NormalizeEmail(email)
	if !utils.IsValidEmail(email) {
		return nil, fmt.Errorf("invalid email: %q", email)
	}

	db := config.GetDB()
	tracking, err := models.GetCancellationTrackingByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if tracking == nil {
		tracking = &models.CancellationTracking{
			Email:            email,
			EmailRequested:   true,
			EmailRequestedAt: &now,
		}
		if err := db.WithContext(ctx).Create(tracking).Error; err != nil {
			return nil, err
		}
	} else if !tracking.EmailRequested {
		if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
			"email_requested":    true,
			"email_requested_at": &now,
		}).Error; err != nil {
			return nil, err
		}
	}

	token := &models.CancellationToken{
		TrackingId: tracking.ID,
		Email:      email,
		Token:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExpiresAt:  now.Add(tokenLifetime),
	}
	if err := db.WithContext(ctx).Create(token).Error; err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"email": email, "tracking_id": tracking.ID}).Info("cancellation requested")
	return token, nil
}

// ViewSurvey validates the token without consuming it and marks the survey
// as viewed.
func (s *Service) ViewSurvey(ctx context.Context, tokenValue string) (*models.CancellationTracking, error) {
	token, err := models.GetCancellationTokenByValue(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if token == nil || !token.Valid(time.Now()) {
		return nil, ErrInvalidToken
	}

	tracking, err := models.GetCancellationTrackingByEmail(ctx, token.Email)
	if err != nil {
		return nil, err
	}
	if tracking == nil {
		return nil, ErrTrackingMissing
	}

	if !tracking.SurveyViewed {
		now := time.Now()
		db := config.GetDB()
		if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
			"survey_viewed":    true,
			"survey_viewed_at": &now,
		}).Error; err != nil {
			return nil, err
		}
		tracking.SurveyViewed = true
		tracking.SurveyViewedAt = &now
	}
	return tracking, nil
}

type SurveyAnswers struct {
	Reason   string            `json:"reason"`
	Feedback string            `json:"feedback"`
	Answers  map[string]string `json:"answers"`
}

// CompleteSurvey consumes the token, stores the answers and tags the CRM
// contact. Consuming is a conditional update so a token works exactly once.
func (s *Service) CompleteSurvey(ctx context.Context, tokenValue string, answers SurveyAnswers) (*models.CancellationTracking, error) {
	token, err := models.GetCancellationTokenByValue(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if token == nil || !token.Valid(time.Now()) {
		return nil, ErrInvalidToken
	}

	consumed, err := models.ConsumeCancellationToken(ctx, token.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrInvalidToken
	}

	tracking, err := models.GetCancellationTrackingByEmail(ctx, token.Email)
	if err != nil {
		return nil, err
	}
	if tracking == nil {
		return nil, ErrTrackingMissing
	}

	db := config.GetDB()
	answersJSON, _ := json.Marshal(answers.Answers)
	survey := models.CancellationSurvey{
		TrackingId:  tracking.ID,
		Email:       token.Email,
		Reason:      strings.TrimSpace(answers.Reason),
		Feedback:    strings.TrimSpace(answers.Feedback),
		AnswersJSON: answersJSON,
	}
	if err := db.WithContext(ctx).Create(&survey).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
		"survey_completed":    true,
		"survey_completed_at": &now,
	}).Error; err != nil {
		return nil, err
	}
	tracking.SurveyCompleted = true
	tracking.SurveyCompletedAt = &now

	s.tagCRMContact(ctx, token.Email)
	return tracking, nil
}

// tagCRMContact is best effort; a CRM hiccup never blocks the flow.
func (s *Service) tagCRMContact(ctx context.Context, email string) {
	if s.crm == nil {
		return
	}
	contact, err := s.crm.FindContactByEmail(ctx, email)
	if err != nil || contact == nil {
		if err != nil {
			config.LogError(s.logger, "cancellation", "tagCRMContact", "find contact",
				map[string]interface{}{"email": email}, err)
		}
		return
	}
	if err := s.crm.AddContactTag(ctx, contact.ID, cancelledTag); err != nil {
		config.LogError(s.logger, "cancellation", "tagCRMContact", "add tag",
			map[string]interface{}{"email": email, "contact_id": contact.ID}, err)
	}
}

// CancelBilling cancels the member's subscriptions in both billing backends
// and derives process_completed. Requires a completed survey.
func (s *Service) CancelBilling(ctx context.Context, email string) (*models.CancellationTracking, error) {
	email = utils.NormalizeEmail(email)
	tracking, err := models.GetCancellationTrackingByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if tracking == nil {
		return nil, ErrTrackingMissing
	}
	if !tracking.SurveyCompleted {
		return nil, ErrSurveyRequired
	}

	db := config.GetDB()
	now := time.Now()

	if !tracking.BaremetricsCancelled {
		if err := s.cancelBaremetrics(ctx, email); err != nil {
			return nil, fmt.Errorf("baremetrics cancellation: %w", err)
		}
		if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
			"baremetrics_cancelled":    true,
			"baremetrics_cancelled_at": &now,
		}).Error; err != nil {
			return nil, err
		}
		tracking.BaremetricsCancelled = true
		tracking.BaremetricsCancelledAt = &now
	}

	if !tracking.StripeCancelled {
		if err := s.cancelStripe(ctx, email); err != nil {
			return nil, fmt.Errorf("stripe cancellation: %w", err)
		}
		if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
			"stripe_cancelled":    true,
			"stripe_cancelled_at": &now,
		}).Error; err != nil {
			return nil, err
		}
		tracking.StripeCancelled = true
		tracking.StripeCancelledAt = &now
	}

	// process_completed is derived, never set directly
	if tracking.SurveyCompleted && tracking.BaremetricsCancelled && tracking.StripeCancelled && !tracking.ProcessCompleted {
		if err := db.WithContext(ctx).Model(tracking).Updates(map[string]interface{}{
			"process_completed":    true,
			"process_completed_at": &now,
		}).Error; err != nil {
			return nil, err
		}
		tracking.ProcessCompleted = true
		tracking.ProcessCompletedAt = &now
		s.logger.WithFields(logrus.Fields{"email": email}).Info("cancellation process completed")
	}

	return tracking, nil
}

func (s *Service) cancelBaremetrics(ctx context.Context, email string) error {
	sources, err := s.billing.ListSources(ctx)
	if err != nil {
		return err
	}
	sourceIDs := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceIDs = append(sourceIDs, source.ID)
	}

	customer, err := s.billing.FindCustomerByEmail(ctx, sourceIDs, email)
	if err != nil {
		return err
	}
	if customer == nil {
		// nothing to cancel counts as cancelled
		return nil
	}

	subscriptions, err := s.billing.ListCustomerSubscriptions(ctx, customer.SourceID, customer.OID)
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		if err := s.billing.DeleteSubscription(ctx, customer.SourceID, subscription.OID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) cancelStripe(ctx context.Context, email string) error {
	customer, err := s.payments.SearchCustomerByEmail(ctx, email)
	if err != nil {
		return err
	}
	if customer == nil {
		return nil
	}

	subscriptions, err := s.payments.ListActiveSubscriptions(ctx, customer.ID)
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		if _, err := s.payments.CancelSubscription(ctx, subscription.ID); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the checklist for an email, or nil when none exists.
func (s *Service) Status(ctx context.Context, email string) (*models.CancellationTracking, error) {
	return models.GetCancellationTrackingByEmail(ctx, utils.NormalizeEmail(email))
}

// PurgeExpiredTokens is run on a schedule.
func (s *Service) PurgeExpiredTokens(ctx context.Context) {
	purged, err := models.PurgeExpiredCancellationTokens(ctx)
	if err != nil {
		config.LogError(s.logger, "cancellation", "PurgeExpiredTokens", "purge", nil, err)
		return
	}
	if purged > 0 {
		s.logger.WithFields(logrus.Fields{"purged": purged}).Info("expired cancellation tokens purged")
	}
}
