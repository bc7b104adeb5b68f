package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/stripe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeBilling scripts the billing platform's write side.
type fakeBilling struct {
	plans           []baremetrics.Plan
	failCustomer    error
	failSubscribe   error
	createdPlans    []baremetrics.NewPlan
	createdCustomer []baremetrics.NewCustomer
	createdSubs     []baremetrics.NewSubscription
	attributes      []baremetrics.AttributeUpdate
}

func (f *fakeBilling) ListSources(ctx context.Context) ([]baremetrics.Source, error) {
	return []baremetrics.Source{{ID: "src_bm", Provider: "baremetrics"}}, nil
}

func (f *fakeBilling) ListPlans(ctx context.Context, sourceID string) ([]baremetrics.Plan, error) {
	return f.plans, nil
}

func (f *fakeBilling) CreatePlan(ctx context.Context, sourceID string, input baremetrics.NewPlan) (*baremetrics.Plan, error) {
	f.createdPlans = append(f.createdPlans, input)
	return &baremetrics.Plan{OID: input.OID, Name: input.Name, Interval: input.Interval}, nil
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, sourceID string, input baremetrics.NewCustomer) (*baremetrics.Customer, error) {
	if f.failCustomer != nil {
		return nil, f.failCustomer
	}
	f.createdCustomer = append(f.createdCustomer, input)
	return &baremetrics.Customer{OID: input.OID, Email: input.Email}, nil
}

func (f *fakeBilling) CreateSubscription(ctx context.Context, sourceID string, input baremetrics.NewSubscription) (*baremetrics.Subscription, error) {
	if f.failSubscribe != nil {
		return nil, f.failSubscribe
	}
	f.createdSubs = append(f.createdSubs, input)
	return &baremetrics.Subscription{OID: input.OID}, nil
}

func (f *fakeBilling) UpdateCustomerAttributes(ctx context.Context, updates []baremetrics.AttributeUpdate) error {
	f.attributes = append(f.attributes, updates...)
	return nil
}

type fakePayments struct {
	customer *stripe.Customer
	metadata map[string]string
}

func (f *fakePayments) SearchCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	return f.customer, nil
}

func (f *fakePayments) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	if f.metadata == nil {
		f.metadata = map[string]string{}
	}
	for k, v := range metadata {
		f.metadata[k] = v
	}
	return nil
}

func seedMissingUser(t *testing.T, db *gorm.DB, status, tags string) *models.MissingUser {
	t.Helper()
	record := models.Comparison{Name: "import run", CsvFilePath: "comparisons/i.csv"}
	require.NoError(t, models.CreateComparison(context.Background(), &record))
	row := models.MissingUser{
		ComparisonId: record.ID,
		Email:        "import@example.com",
		Name:         "Import Me",
		Tags:         tags,
		ImportStatus: status,
	}
	if status == models.ImportStatusFailed {
		msg := "timeout"
		row.ImportError = &msg
	}
	require.NoError(t, db.Create(&row).Error)
	return &row
}

func TestImportOneSuccess(t *testing.T) {
	db := setupTestDB(t)
	billing := &fakeBilling{}
	payments := &fakePayments{customer: &stripe.Customer{ID: "cus_stripe_1"}}
	importer := NewImporter(billing, payments, nil)

	row := seedMissingUser(t, db, models.ImportStatusPending, "creetelo_anual")

	claimed, err := importer.ImportOne(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := models.GetMissingUser(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusImported, got.ImportStatus)
	require.NotNil(t, got.BaremetricsCustomerId)
	assert.Nil(t, got.ImportError)
	assert.NotNil(t, got.ImportedAt)

	// three-call sequence ran against the billing platform
	require.Len(t, billing.createdCustomer, 1)
	assert.Equal(t, "import@example.com", billing.createdCustomer[0].Email)
	require.Len(t, billing.createdPlans, 1)
	assert.Equal(t, "creetelo_anual", billing.createdPlans[0].Name)
	assert.Equal(t, IntervalYear, billing.createdPlans[0].Interval)
	require.Len(t, billing.createdSubs, 1)

	// payments cross-reference synced as an attribute
	require.Len(t, billing.attributes, 1)
	assert.Equal(t, "stripe_customer_id", billing.attributes[0].FieldID)
	assert.Equal(t, "cus_stripe_1", billing.attributes[0].Value)

	// and the billing oid written back to the payments customer
	assert.Equal(t, *got.BaremetricsCustomerId, payments.metadata["baremetrics_customer_oid"])
}

func TestImportOneReusesExistingPlan(t *testing.T) {
	db := setupTestDB(t)
	billing := &fakeBilling{
		plans: []baremetrics.Plan{{OID: "plan_existing", Name: "creetelo_mensual", Interval: IntervalMonth}},
	}
	importer := NewImporter(billing, nil, nil)

	row := seedMissingUser(t, db, models.ImportStatusPending, "creetelo_mensual")

	claimed, err := importer.ImportOne(context.Background(), row.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Empty(t, billing.createdPlans)
	require.Len(t, billing.createdSubs, 1)
	assert.Equal(t, "plan_existing", billing.createdSubs[0].PlanOID)
}

func TestImportOneFailureRecordsError(t *testing.T) {
	db := setupTestDB(t)
	billing := &fakeBilling{failCustomer: errors.New("status 500: internal")}
	importer := NewImporter(billing, nil, nil)

	row := seedMissingUser(t, db, models.ImportStatusPending, "")

	claimed, err := importer.ImportOne(context.Background(), row.ID)
	require.Error(t, err)
	assert.True(t, claimed)

	got, getErr := models.GetMissingUser(context.Background(), row.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ImportStatusFailed, got.ImportStatus)
	require.NotNil(t, got.ImportError)
	assert.Contains(t, *got.ImportError, "create customer")
	assert.Nil(t, got.BaremetricsCustomerId)
}

func TestImportRetryAfterFailure(t *testing.T) {
	db := setupTestDB(t)
	billing := &fakeBilling{}
	importer := NewImporter(billing, nil, nil)

	row := seedMissingUser(t, db, models.ImportStatusFailed, "creetelo_mensual")

	claimed, err := importer.ImportOne(context.Background(), row.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := models.GetMissingUser(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusImported, got.ImportStatus)
	assert.Nil(t, got.ImportError)
	require.NotNil(t, got.BaremetricsCustomerId)
}

func TestImportOneSkipsUnclaimableRows(t *testing.T) {
	db := setupTestDB(t)
	importer := NewImporter(&fakeBilling{}, nil, nil)

	for _, status := range []string{
		models.ImportStatusImporting,
		models.ImportStatusImported,
		models.ImportStatusFoundInOtherSource,
	} {
		row := seedMissingUser(t, db, status, "")
		claimed, err := importer.ImportOne(context.Background(), row.ID)
		require.NoError(t, err)
		assert.False(t, claimed, "status=%s", status)
	}
}

func TestImportAllPendingFailSoft(t *testing.T) {
	db := setupTestDB(t)
	record := models.Comparison{Name: "bulk", CsvFilePath: "comparisons/bulk.csv"}
	require.NoError(t, models.CreateComparison(context.Background(), &record))

	rows := []models.MissingUser{
		{ComparisonId: record.ID, Email: "ok1@example.com", ImportStatus: models.ImportStatusPending},
		{ComparisonId: record.ID, Email: "bad@example.com", ImportStatus: models.ImportStatusPending},
		{ComparisonId: record.ID, Email: "ok2@example.com", ImportStatus: models.ImportStatusFailed},
		{ComparisonId: record.ID, Email: "done@example.com", ImportStatus: models.ImportStatusImported},
	}
	require.NoError(t, db.Create(&rows).Error)

	billing := &scriptedBilling{failEmails: map[string]bool{"bad@example.com": true}}
	importer := NewImporter(billing, nil, nil)

	result, err := importer.ImportAllPending(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ImportedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.Contains(t, result.FailedEmails, "bad@example.com")
}

// scriptedBilling fails only for configured customer emails.
type scriptedBilling struct {
	fakeBilling
	failEmails map[string]bool
}

func (s *scriptedBilling) CreateCustomer(ctx context.Context, sourceID string, input baremetrics.NewCustomer) (*baremetrics.Customer, error) {
	if s.failEmails[input.Email] {
		return nil, errors.New("status 422: invalid customer")
	}
	return s.fakeBilling.CreateCustomer(ctx, sourceID, input)
}
