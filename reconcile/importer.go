package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/stripe"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// staleImportingAge is how long a row may sit in importing before a bulk
// pass reverts it to pending. Covers workers that crashed mid-flight.
const staleImportingAge = 30 * time.Minute

// BillingImporter is the write side of the billing platform used by the
// import workflow.
type BillingImporter interface {
	ListSources(ctx context.Context) ([]baremetrics.Source, error)
	ListPlans(ctx context.Context, sourceID string) ([]baremetrics.Plan, error)
	CreatePlan(ctx context.Context, sourceID string, input baremetrics.NewPlan) (*baremetrics.Plan, error)
	CreateCustomer(ctx context.Context, sourceID string, input baremetrics.NewCustomer) (*baremetrics.Customer, error)
	CreateSubscription(ctx context.Context, sourceID string, input baremetrics.NewSubscription) (*baremetrics.Subscription, error)
	UpdateCustomerAttributes(ctx context.Context, updates []baremetrics.AttributeUpdate) error
}

// PaymentsDirectory cross-references an email to a payments-platform
// customer id for attribute sync. Optional.
type PaymentsDirectory interface {
	SearchCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
}

// Importer runs the per-record import state machine.
type Importer struct {
	billing  BillingImporter
	payments PaymentsDirectory
	mapper   PlanMapper
	logger   *logrus.Logger

	// sourceID is resolved lazily from the billing platform on first use.
	sourceID string
}

func NewImporter(billing BillingImporter, payments PaymentsDirectory, mapper PlanMapper) *Importer {
	if mapper == nil {
		mapper = NewTagPlanMapper()
	}
	return &Importer{
		billing:  billing,
		payments: payments,
		mapper:   mapper,
		logger:   config.GetLogger(),
	}
}

// ImportResult aggregates a bulk pass. Row failures are fail-soft.
type ImportResult struct {
	ImportedCount int      `json:"imported_count"`
	FailedCount   int      `json:"failed_count"`
	SkippedCount  int      `json:"skipped_count"`
	FailedEmails  []string `json:"failed_emails,omitempty"`
}

// ImportOne claims a single row and runs the three-call import sequence.
// Returns false when the row was not claimable (already importing, imported
// or classified found_in_other_source).
func (imp *Importer) ImportOne(ctx context.Context, missingUserId uint) (bool, error) {
	claimed, err := models.ClaimMissingUserForImport(ctx, missingUserId)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	row, err := models.GetMissingUser(ctx, missingUserId)
	if err != nil {
		return false, err
	}

	customerId, err := imp.importRow(ctx, row)
	if err != nil {
		config.LogError(imp.logger, "reconcile", "ImportOne", "import failed",
			map[string]interface{}{"missing_user_id": missingUserId, "email": row.Email}, err)
		if markErr := models.MarkMissingUserImportFailed(context.WithoutCancel(ctx), missingUserId, err.Error()); markErr != nil {
			return true, markErr
		}
		return true, err
	}

	if err := models.MarkMissingUserImported(ctx, missingUserId, customerId); err != nil {
		return true, err
	}
	imp.logger.WithFields(logrus.Fields{
		"missing_user_id": missingUserId,
		"email":           row.Email,
		"customer_id":     customerId,
	}).Info("missing user imported")
	return true, nil
}

// ImportMany applies the state machine to each id independently. A failure
// in one row never blocks the rest.
func (imp *Importer) ImportMany(ctx context.Context, ids []uint) ImportResult {
	var result ImportResult
	for _, id := range ids {
		claimed, err := imp.ImportOne(ctx, id)
		switch {
		case !claimed && err == nil:
			result.SkippedCount++
		case err != nil:
			result.FailedCount++
			if row, getErr := models.GetMissingUser(ctx, id); getErr == nil {
				result.FailedEmails = append(result.FailedEmails, row.Email)
			}
		default:
			result.ImportedCount++
		}
	}
	return result
}

// ImportAllPending imports every claimable row of a run. An advisory Redis
// lock keeps overlapping bulk triggers from walking the same list; the
// conditional claim on each row is the actual double-import guard.
func (imp *Importer) ImportAllPending(ctx context.Context, comparisonId uint) (ImportResult, error) {
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("BulkImportLock:%d", comparisonId), 10*time.Minute, nil)
		if err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		} else if err != redislock.ErrNotObtained {
			config.LogError(imp.logger, "reconcile", "ImportAllPending", "obtain lock",
				map[string]interface{}{"comparison_id": comparisonId}, err)
		}
	}

	if reverted, err := models.RevertStaleImporting(ctx, comparisonId, staleImportingAge); err != nil {
		return ImportResult{}, err
	} else if reverted > 0 {
		imp.logger.WithFields(logrus.Fields{
			"comparison_id": comparisonId,
			"reverted":      reverted,
		}).Warn("reverted stale importing rows")
	}

	ids, err := models.ListClaimableMissingUserIds(ctx, comparisonId)
	if err != nil {
		return ImportResult{}, err
	}
	return imp.ImportMany(ctx, ids), nil
}

// importRow performs the three-call sequence: create customer, ensure plan,
// create subscription. Any error fails the row.
func (imp *Importer) importRow(ctx context.Context, row *models.MissingUser) (string, error) {
	sourceID, err := imp.resolveSourceID(ctx)
	if err != nil {
		return "", err
	}

	customerOID := "ghl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	customer, err := imp.billing.CreateCustomer(ctx, sourceID, baremetrics.NewCustomer{
		OID:   customerOID,
		Email: row.Email,
		Name:  row.Name,
	})
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}

	plan := imp.mapper.PlanForTags(row.Tags)
	planOID, err := imp.ensurePlan(ctx, sourceID, plan)
	if err != nil {
		return "", fmt.Errorf("ensure plan %q: %w", plan.Name, err)
	}

	_, err = imp.billing.CreateSubscription(ctx, sourceID, baremetrics.NewSubscription{
		OID:         "sub_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CustomerOID: customer.OID,
		PlanOID:     planOID,
		StartedAt:   time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}

	imp.syncPaymentsAttributes(ctx, customer.OID, row.Email)
	return customer.OID, nil
}

// ensurePlan reuses an existing plan with the same name and interval, or
// creates it.
func (imp *Importer) ensurePlan(ctx context.Context, sourceID string, descriptor PlanDescriptor) (string, error) {
	plans, err := imp.billing.ListPlans(ctx, sourceID)
	if err != nil {
		return "", err
	}
	for _, existing := range plans {
		if strings.EqualFold(existing.Name, descriptor.Name) && existing.Interval == descriptor.Interval {
			return existing.OID, nil
		}
	}

	created, err := imp.billing.CreatePlan(ctx, sourceID, baremetrics.NewPlan{
		OID:           "plan_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:          descriptor.Name,
		Interval:      descriptor.Interval,
		IntervalCount: descriptor.IntervalCount,
		Amount:        descriptor.AmountCents(),
		Currency:      descriptor.Currency,
		Active:        true,
	})
	if err != nil {
		return "", err
	}
	return created.OID, nil
}

// syncPaymentsAttributes cross-references the payments platform and records
// its customer id as a billing attribute. Best effort.
func (imp *Importer) syncPaymentsAttributes(ctx context.Context, customerOID, email string) {
	if imp.payments == nil {
		return
	}
	paymentsCustomer, err := imp.payments.SearchCustomerByEmail(ctx, email)
	if err != nil || paymentsCustomer == nil {
		if err != nil {
			config.LogError(imp.logger, "reconcile", "syncPaymentsAttributes", "payments lookup",
				map[string]interface{}{"email": email}, err)
		}
		return
	}
	err = imp.billing.UpdateCustomerAttributes(ctx, []baremetrics.AttributeUpdate{
		{CustomerOID: customerOID, FieldID: "stripe_customer_id", Value: paymentsCustomer.ID},
	})
	if err != nil {
		config.LogError(imp.logger, "reconcile", "syncPaymentsAttributes", "update attributes",
			map[string]interface{}{"email": email}, err)
	}

	// reverse cross-reference on the payments side
	err = imp.payments.UpdateCustomerMetadata(ctx, paymentsCustomer.ID, map[string]string{
		"baremetrics_customer_oid": customerOID,
	})
	if err != nil {
		config.LogError(imp.logger, "reconcile", "syncPaymentsAttributes", "update metadata",
			map[string]interface{}{"email": email, "customer_id": paymentsCustomer.ID}, err)
	}
}

func (imp *Importer) resolveSourceID(ctx context.Context) (string, error) {
	if imp.sourceID != "" {
		return imp.sourceID, nil
	}
	sources, err := imp.billing.ListSources(ctx)
	if err != nil {
		return "", fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("billing platform has no sources configured")
	}
	// prefer the baremetrics-native source for imported contacts
	for _, source := range sources {
		if strings.EqualFold(source.Provider, "baremetrics") {
			imp.sourceID = source.ID
			return imp.sourceID, nil
		}
	}
	imp.sourceID = sources[0].ID
	return imp.sourceID, nil
}
