package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/ghl"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/stripe"
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

type fakeBilling struct {
	customer   *baremetrics.Customer
	subs       []baremetrics.Subscription
	deleted    []string
	failDelete error
}

func (f *fakeBilling) ListSources(ctx context.Context) ([]baremetrics.Source, error) {
	return []baremetrics.Source{{ID: "src_1", Provider: "stripe"}}, nil
}

func (f *fakeBilling) FindCustomerByEmail(ctx context.Context, sourceIDs []string, email string) (*baremetrics.Customer, error) {
	return f.customer, nil
}

func (f *fakeBilling) ListCustomerSubscriptions(ctx context.Context, sourceID, customerOID string) ([]baremetrics.Subscription, error) {
	return f.subs, nil
}

func (f *fakeBilling) DeleteSubscription(ctx context.Context, sourceID, subscriptionOID string) error {
	if f.failDelete != nil {
		return f.failDelete
	}
	f.deleted = append(f.deleted, subscriptionOID)
	return nil
}

type fakePayments struct {
	customer  *stripe.Customer
	subs      []stripe.Subscription
	cancelled []string
}

func (f *fakePayments) SearchCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	return f.customer, nil
}

func (f *fakePayments) ListActiveSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error) {
	return f.subs, nil
}

func (f *fakePayments) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	f.cancelled = append(f.cancelled, subscriptionID)
	return &stripe.Subscription{ID: subscriptionID, Status: "canceled"}, nil
}

type fakeCRM struct {
	contact *ghl.Contact
	tagged  []string
}

func (f *fakeCRM) FindContactByEmail(ctx context.Context, email string) (*ghl.Contact, error) {
	return f.contact, nil
}

func (f *fakeCRM) AddContactTag(ctx context.Context, contactID string, tags ...string) error {
	f.tagged = append(f.tagged, tags...)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeBilling, *fakePayments, *fakeCRM) {
	t.Helper()
	setupTestDB(t)
	billing := &fakeBilling{
		customer: &baremetrics.Customer{OID: "cus_bm", Email: "member@example.com", SourceID: "src_1"},
		subs:     []baremetrics.Subscription{{OID: "sub_bm_1"}},
	}
	payments := &fakePayments{
		customer: &stripe.Customer{ID: "cus_st", Email: "member@example.com"},
		subs:     []stripe.Subscription{{ID: "sub_st_1", Status: "active"}},
	}
	crm := &fakeCRM{contact: &ghl.Contact{ID: "contact_1", Email: "member@example.com"}}
	return NewService(billing, payments, crm), billing, payments, crm
}

func completeSurveyFor(t *testing.T, service *Service, email string) {
	t.Helper()
	token, err := service.RequestCancellation(context.Background(), email)
	require.NoError(t, err)
	_, err = service.ViewSurvey(context.Background(), token.Token)
	require.NoError(t, err)
	_, err = service.CompleteSurvey(context.Background(), token.Token, SurveyAnswers{Reason: "price"})
	require.NoError(t, err)
}

func TestRequestCancellationIssuesToken(t *testing.T) {
	service, _, _, _ := newTestService(t)

	token, err := service.RequestCancellation(context.Background(), " Member@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "member@example.com", token.Email)
	assert.False(t, token.IsUsed)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), token.ExpiresAt, 5*time.Second)

	tracking, err := service.Status(context.Background(), "member@example.com")
	require.NoError(t, err)
	require.NotNil(t, tracking)
	assert.True(t, tracking.EmailRequested)
	assert.NotNil(t, tracking.EmailRequestedAt)
	assert.False(t, tracking.SurveyViewed)
}

func TestRequestCancellationRejectsInvalidEmail(t *testing.T) {
	service, _, _, _ := newTestService(t)
	_, err := service.RequestCancellation(context.Background(), "not-an-email")
	require.Error(t, err)
}

func TestSurveyTokenIsSingleUse(t *testing.T) {
	service, _, _, crm := newTestService(t)

	token, err := service.RequestCancellation(context.Background(), "member@example.com")
	require.NoError(t, err)

	tracking, err := service.CompleteSurvey(context.Background(), token.Token, SurveyAnswers{Reason: "moving"})
	require.NoError(t, err)
	assert.True(t, tracking.SurveyCompleted)
	assert.Contains(t, crm.tagged, "cancelacion_solicitada")

	// second use must be rejected
	_, err = service.CompleteSurvey(context.Background(), token.Token, SurveyAnswers{})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = service.ViewSurvey(context.Background(), token.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	service, _, _, _ := newTestService(t)
	db := config.GetDB()

	token, err := service.RequestCancellation(context.Background(), "member@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.CancellationToken{}).
		Where("id = ?", token.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, err = service.ViewSurvey(context.Background(), token.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = service.CompleteSurvey(context.Background(), token.Token, SurveyAnswers{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCancelBillingRequiresSurvey(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.RequestCancellation(context.Background(), "member@example.com")
	require.NoError(t, err)

	_, err = service.CancelBilling(context.Background(), "member@example.com")
	assert.ErrorIs(t, err, ErrSurveyRequired)

	_, err = service.CancelBilling(context.Background(), "stranger@example.com")
	assert.ErrorIs(t, err, ErrTrackingMissing)
}

func TestCancelBillingDerivesProcessCompleted(t *testing.T) {
	service, billing, payments, _ := newTestService(t)
	completeSurveyFor(t, service, "member@example.com")

	tracking, err := service.CancelBilling(context.Background(), "member@example.com")
	require.NoError(t, err)

	assert.True(t, tracking.BaremetricsCancelled)
	assert.True(t, tracking.StripeCancelled)
	assert.True(t, tracking.ProcessCompleted)
	assert.NotNil(t, tracking.ProcessCompletedAt)
	assert.Equal(t, []string{"sub_bm_1"}, billing.deleted)
	assert.Equal(t, []string{"sub_st_1"}, payments.cancelled)

	// persisted state matches
	got, err := service.Status(context.Background(), "member@example.com")
	require.NoError(t, err)
	assert.True(t, got.ProcessCompleted)
}

func TestCancelBillingPartialFailureLeavesProcessIncomplete(t *testing.T) {
	service, billing, _, _ := newTestService(t)
	billing.failDelete = assert.AnError
	completeSurveyFor(t, service, "member@example.com")

	_, err := service.CancelBilling(context.Background(), "member@example.com")
	require.Error(t, err)

	got, statusErr := service.Status(context.Background(), "member@example.com")
	require.NoError(t, statusErr)
	assert.False(t, got.BaremetricsCancelled)
	assert.False(t, got.ProcessCompleted)

	// retry succeeds after the upstream recovers
	billing.failDelete = nil
	tracking, err := service.CancelBilling(context.Background(), "member@example.com")
	require.NoError(t, err)
	assert.True(t, tracking.ProcessCompleted)
}

func TestPurgeExpiredTokens(t *testing.T) {
	service, _, _, _ := newTestService(t)
	db := config.GetDB()

	expired, err := service.RequestCancellation(context.Background(), "old@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.CancellationToken{}).
		Where("id = ?", expired.ID).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	fresh, err := service.RequestCancellation(context.Background(), "new@example.com")
	require.NoError(t, err)

	service.PurgeExpiredTokens(context.Background())

	gone, err := models.GetCancellationTokenByValue(context.Background(), expired.Token)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := models.GetCancellationTokenByValue(context.Background(), fresh.Token)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
