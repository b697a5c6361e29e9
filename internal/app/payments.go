package app

import (
	"context"
	"fmt"

	"civictrack/api/internal/lifecycle"
	"civictrack/api/internal/rbac"
	"civictrack/api/internal/store"
	"civictrack/api/internal/util"
)

// ConfirmBoostPayment records a completed boost payment and flips the issue
// to boosted. Redelivery of the same gateway transaction is absorbed by the
// payment's unique constraint; a distinct transaction against an issue that
// is already boosted is denied, since the flag only flips once.
func (s *Service) ConfirmBoostPayment(ctx context.Context, session Session, issueID, gatewayTxnID string, amountCents int64) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionBoost) {
		return store.Issue{}, errForbidden()
	}
	if gatewayTxnID == "" {
		return store.Issue{}, errValidation("transactionId is required", nil)
	}
	if amountCents <= 0 {
		return store.Issue{}, errValidation("amountCents must be positive", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionBoost, rbac.Normalize(session.Role), false, "")
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	recorded, err := s.store.InsertPayment(ctx, store.Payment{
		ID:           util.NewID("pay"),
		UserID:       session.UserID,
		IssueID:      issueID,
		Type:         "boost",
		AmountCents:  amountCents,
		GatewayTxnID: gatewayTxnID,
		Status:       "completed",
	})
	if err != nil {
		return store.Issue{}, err
	}
	if !recorded {
		// Duplicate gateway delivery, already handled.
		return s.store.GetIssue(ctx, issueID)
	}

	boosted, err := s.store.BoostIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if !boosted {
		// A fresh transaction against an already-boosted issue. The payment
		// row keeps the gateway's money trail but the boost itself is denied.
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      issue.Status,
		Message:     "Issue boosted to high priority",
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issueID)

	return s.store.GetIssue(ctx, issueID)
}

// UpgradeSubscription records a subscription payment and moves the account to
// the premium tier, lifting the open-issue cap.
func (s *Service) UpgradeSubscription(ctx context.Context, session Session, gatewayTxnID string, amountCents int64) (store.User, error) {
	if gatewayTxnID == "" {
		return store.User{}, errValidation("transactionId is required", nil)
	}
	if amountCents <= 0 {
		return store.User{}, errValidation("amountCents must be positive", nil)
	}

	recorded, err := s.store.InsertPayment(ctx, store.Payment{
		ID:           util.NewID("pay"),
		UserID:       session.UserID,
		Type:         "subscription",
		AmountCents:  amountCents,
		GatewayTxnID: gatewayTxnID,
		Status:       "completed",
	})
	if err != nil {
		return store.User{}, err
	}
	if recorded {
		if err := s.store.UpdateSubscriptionTier(ctx, session.UserID, "premium"); err != nil {
			return store.User{}, fmt.Errorf("upgrade tier: %w", err)
		}
	}

	return s.store.GetUserByID(ctx, session.UserID)
}

// PaymentHistory lists the caller's completed payments, newest first.
func (s *Service) PaymentHistory(ctx context.Context, session Session, limit, offset int) ([]store.Payment, error) {
	return s.store.ListPaymentsByUser(ctx, session.UserID, limit, offset)
}

// PaymentReport summarises all payments for administrators.
type PaymentReport struct {
	Payments    []store.Payment `json:"payments"`
	TotalCents  int64           `json:"totalCents"`
	BoostCount  int             `json:"boostCount"`
	Subscribers int             `json:"subscribers"`
}

func (s *Service) BuildPaymentReport(ctx context.Context, session Session, limit, offset int) (PaymentReport, error) {
	if !s.Can(session.Role, rbac.ActionViewReports) {
		return PaymentReport{}, errForbidden()
	}

	payments, err := s.store.ListPayments(ctx, limit, offset)
	if err != nil {
		return PaymentReport{}, err
	}

	report := PaymentReport{Payments: payments}
	for _, payment := range payments {
		report.TotalCents += payment.AmountCents
		switch payment.Type {
		case "boost":
			report.BoostCount++
		case "subscription":
			report.Subscribers++
		}
	}
	return report, nil
}
