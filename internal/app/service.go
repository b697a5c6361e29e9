package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"civictrack/api/internal/auth"
	"civictrack/api/internal/lifecycle"
	"civictrack/api/internal/rbac"
	"civictrack/api/internal/search"
	"civictrack/api/internal/store"
	"civictrack/api/internal/util"
)

type Session struct {
	UserID   string
	UserName string
	Role     string
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListStaff(ctx context.Context) ([]store.User, error)
	UpdateSubscriptionTier(ctx context.Context, userID, tier string) error

	InsertIssue(ctx context.Context, issue store.Issue) error
	InsertIssueUnderQuota(ctx context.Context, issue store.Issue, limit int) (bool, error)
	GetIssue(ctx context.Context, issueID string) (store.Issue, error)
	ListIssues(ctx context.Context, filter store.IssueFilter, limit, offset int) ([]store.Issue, error)
	CountIssues(ctx context.Context, filter store.IssueFilter) (int, error)
	CountOpenIssues(ctx context.Context, reporterID string) (int, error)
	AssignStaff(ctx context.Context, issueID, staffID string) (bool, error)
	RejectIssue(ctx context.Context, issueID string) (bool, error)
	UpdateIssueStatus(ctx context.Context, issueID, newStatus, staffID string) (bool, error)
	UpvoteIssue(ctx context.Context, issueID, userID string) (bool, error)
	BoostIssue(ctx context.Context, issueID string) (bool, error)
	UpdateOwnIssue(ctx context.Context, issueID, reporterID string, patch store.IssuePatch) (bool, error)
	DeleteOwnIssue(ctx context.Context, issueID, reporterID string) (store.Issue, bool, error)

	InsertPayment(ctx context.Context, payment store.Payment) (bool, error)
	ListPaymentsByUser(ctx context.Context, userID string, limit, offset int) ([]store.Payment, error)
	ListPayments(ctx context.Context, limit, offset int) ([]store.Payment, error)

	Ping(ctx context.Context) error
}

// auditLog appends immutable timeline entries. Appends must never fail a
// mutation that already committed, so Record returns nothing.
type auditLog interface {
	Record(ctx context.Context, entry store.TimelineEntry)
	List(ctx context.Context, issueID string) ([]store.TimelineEntry, error)
}

// searchIndexer mirrors the fire-and-forget write path of the search facade.
type searchIndexer interface {
	IndexIssue(record search.IssueRecord)
	DeleteIssue(id string)
}

// notifier sends best-effort reporter mail. A nil or unconfigured notifier
// disables notifications.
type notifier interface {
	Configured() bool
	SendIssueUpdate(to, reporterName, issueTitle, status, note string) error
}

type ServiceConfig struct {
	JWTSecret          []byte
	AccessTTL          time.Duration
	FreeTierIssueLimit int
}

type Service struct {
	store         dataStore
	audit         auditLog
	index         searchIndexer
	notify        notifier
	secret        []byte
	accessTTL     time.Duration
	freeTierLimit int
}

func NewService(dataStore dataStore, audit auditLog, index searchIndexer, cfg ServiceConfig) *Service {
	limit := cfg.FreeTierIssueLimit
	if limit <= 0 {
		limit = 3
	}
	ttl := cfg.AccessTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Service{
		store:         dataStore,
		audit:         audit,
		index:         index,
		secret:        cfg.JWTSecret,
		accessTTL:     ttl,
		freeTierLimit: limit,
	}
}

// SetNotifier enables reporter mail for lifecycle changes.
func (s *Service) SetNotifier(n notifier) {
	s.notify = n
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// IssueSession signs an access token for a stored account.
func (s *Service) IssueSession(user store.User) (string, Session, error) {
	token, err := auth.IssueToken(s.secret, user.ID, user.DisplayName, user.Role, s.accessTTL)
	if err != nil {
		return "", Session{}, fmt.Errorf("issue session: %w", err)
	}
	return token, Session{UserID: user.ID, UserName: user.DisplayName, Role: user.Role}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Subject, UserName: claims.Name, Role: claims.Role}, nil
}

type CreateIssueInput struct {
	Title       string
	Category    string
	Location    string
	Description string
	Priority    string
}

// CreateIssue reports a new issue. Free tier reporters are capped at a fixed
// number of open issues; the count and insert are one atomic store operation
// so concurrent reports cannot overshoot the cap.
func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return store.Issue{}, errForbidden()
	}

	priority := input.Priority
	if priority == "" {
		priority = "normal"
	}
	issue := store.Issue{
		ID:          util.NewID("iss"),
		ReporterID:  session.UserID,
		Title:       strings.TrimSpace(input.Title),
		Category:    strings.TrimSpace(input.Category),
		Location:    strings.TrimSpace(input.Location),
		Description: input.Description,
		Status:      string(lifecycle.StatusPending),
		Priority:    priority,
	}

	reporter, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return store.Issue{}, fmt.Errorf("load reporter: %w", err)
	}

	if reporter.SubscriptionTier == "premium" {
		if err := s.store.InsertIssue(ctx, issue); err != nil {
			return store.Issue{}, err
		}
	} else {
		ok, err := s.store.InsertIssueUnderQuota(ctx, issue, s.freeTierLimit)
		if err != nil {
			return store.Issue{}, err
		}
		if !ok {
			return store.Issue{}, errQuotaExceeded(s.freeTierLimit)
		}
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issue.ID,
		Status:      issue.Status,
		Message:     "Issue reported",
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issue.ID)

	return s.store.GetIssue(ctx, issue.ID)
}

// AssignStaff hands a pending issue to a staff member. Exactly one of two
// racing assignments can win; the loser sees a precondition failure.
func (s *Service) AssignStaff(ctx context.Context, session Session, issueID, staffID string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionAssign) {
		return store.Issue{}, errForbidden()
	}

	staff, err := s.store.GetUserByID(ctx, staffID)
	if err != nil {
		return store.Issue{}, errValidation("staffId does not refer to a known user", nil)
	}
	if staff.Role != string(rbac.RoleStaff) {
		return store.Issue{}, errValidation("assignee must have the staff role", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionAssignStaff, rbac.Normalize(session.Role), false, "")
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	ok, err := s.store.AssignStaff(ctx, issueID, staffID)
	if err != nil {
		return store.Issue{}, err
	}
	if !ok {
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      string(decision.Next),
		Message:     fmt.Sprintf("Assigned to %s", staff.DisplayName),
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issueID)
	s.notifyReporter(issue, string(decision.Next), "")

	return s.store.GetIssue(ctx, issueID)
}

// RejectIssue closes a pending issue without assignment.
func (s *Service) RejectIssue(ctx context.Context, session Session, issueID string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionReject) {
		return store.Issue{}, errForbidden()
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionReject, rbac.Normalize(session.Role), false, "")
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	ok, err := s.store.RejectIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if !ok {
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      string(decision.Next),
		Message:     fmt.Sprintf("Rejected by %s", rbac.Label(rbac.Normalize(session.Role))),
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issueID)
	s.notifyReporter(issue, string(decision.Next), "")

	return s.store.GetIssue(ctx, issueID)
}

// ChangeStatus moves an issue to a new workflow status. Admins may move any
// non-terminal issue; staff only issues assigned to them.
func (s *Service) ChangeStatus(ctx context.Context, session Session, issueID, target string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionChangeStatus) {
		return store.Issue{}, errForbidden()
	}
	if !lifecycle.ValidTarget(lifecycle.Status(target)) {
		return store.Issue{}, errValidation(fmt.Sprintf("status %q is not a valid target", target), nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	role := rbac.Normalize(session.Role)
	assignedToActor := issue.AssignedStaffID != "" && issue.AssignedStaffID == session.UserID
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionChangeStatus, role, assignedToActor, lifecycle.Status(target))
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	staffScope := ""
	if role == rbac.RoleStaff {
		staffScope = session.UserID
	}
	ok, err := s.store.UpdateIssueStatus(ctx, issueID, string(decision.Next), staffScope)
	if err != nil {
		return store.Issue{}, err
	}
	if !ok {
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      string(decision.Next),
		Message:     fmt.Sprintf("Status changed to %s", decision.Next),
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issueID)
	s.notifyReporter(issue, string(decision.Next), "")

	return s.store.GetIssue(ctx, issueID)
}

// AddProgressNote appends a staff note to the timeline without changing the
// issue status.
func (s *Service) AddProgressNote(ctx context.Context, session Session, issueID, note string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionProgressNote) {
		return store.Issue{}, errForbidden()
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return store.Issue{}, errValidation("progress note must not be empty", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	assignedToActor := issue.AssignedStaffID != "" && issue.AssignedStaffID == session.UserID
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionProgressNote, rbac.Normalize(session.Role), assignedToActor, "")
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      issue.Status,
		Message:     note,
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	return issue, nil
}

// Upvote adds the caller to the issue's upvoter set. A repeat vote or a
// reporter voting for their own issue fails the write predicate and is
// rejected; upvotes never write a timeline entry.
func (s *Service) Upvote(ctx context.Context, session Session, issueID string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionUpvote) {
		return store.Issue{}, errForbidden()
	}

	if _, err := s.loadIssue(ctx, issueID); err != nil {
		return store.Issue{}, err
	}

	ok, err := s.store.UpvoteIssue(ctx, issueID, session.UserID)
	if err != nil {
		return store.Issue{}, err
	}
	if !ok {
		return store.Issue{}, errPrecondition()
	}
	return s.store.GetIssue(ctx, issueID)
}

// EditIssue applies a reporter's partial edit while the issue is still
// pending.
func (s *Service) EditIssue(ctx context.Context, session Session, issueID string, patch store.IssuePatch) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionEditOwn) {
		return store.Issue{}, errForbidden()
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if issue.ReporterID != session.UserID {
		return store.Issue{}, errForbidden()
	}
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionEdit, rbac.Normalize(session.Role), false, "")
	if !decision.Allowed {
		return store.Issue{}, errPrecondition()
	}

	ok, err := s.store.UpdateOwnIssue(ctx, issueID, session.UserID, patch)
	if err != nil {
		return store.Issue{}, err
	}
	if !ok {
		return store.Issue{}, errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      issue.Status,
		Message:     "Issue details updated",
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	s.indexIssue(ctx, issueID)

	return s.store.GetIssue(ctx, issueID)
}

// DeleteIssue removes a reporter's own pending issue. The timeline keeps its
// records so the deletion itself stays auditable.
func (s *Service) DeleteIssue(ctx context.Context, session Session, issueID string) error {
	if !s.Can(session.Role, rbac.ActionDeleteOwn) {
		return errForbidden()
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.ReporterID != session.UserID {
		return errForbidden()
	}
	decision := lifecycle.Decide(lifecycle.Status(issue.Status), lifecycle.ActionDelete, rbac.Normalize(session.Role), false, "")
	if !decision.Allowed {
		return errPrecondition()
	}

	_, ok, err := s.store.DeleteOwnIssue(ctx, issueID, session.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errPrecondition()
	}

	s.audit.Record(ctx, store.TimelineEntry{
		IssueID:     issueID,
		Status:      "deleted",
		Message:     "Issue removed by reporter",
		UpdatedBy:   rbac.Label(rbac.Normalize(session.Role)),
		UpdatedByID: session.UserID,
	})
	if s.index != nil {
		s.index.DeleteIssue(issueID)
	}
	return nil
}

// ListStaffMembers returns the staff directory for the assignment picker.
func (s *Service) ListStaffMembers(ctx context.Context, session Session) ([]store.User, error) {
	if !s.Can(session.Role, rbac.ActionAssign) {
		return nil, errForbidden()
	}
	return s.store.ListStaff(ctx)
}

func (s *Service) loadIssue(ctx context.Context, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, errPrecondition()
	}
	return issue, nil
}

// notifyReporter mails the reporter about a lifecycle change, fire-and-forget.
func (s *Service) notifyReporter(issue store.Issue, status, note string) {
	if s.notify == nil || !s.notify.Configured() {
		return
	}
	go func() {
		reporter, err := s.store.GetUserByID(context.Background(), issue.ReporterID)
		if err != nil {
			log.Printf("notify: load reporter %s: %v", issue.ReporterID, err)
			return
		}
		if err := s.notify.SendIssueUpdate(reporter.Email, reporter.DisplayName, issue.Title, status, note); err != nil {
			log.Printf("notify: mail reporter %s: %v", reporter.ID, err)
		}
	}()
}

func (s *Service) indexIssue(ctx context.Context, issueID string) {
	if s.index == nil {
		return
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return
	}
	s.index.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Category:    issue.Category,
		Location:    issue.Location,
		Description: issue.Description,
		Status:      issue.Status,
		Priority:    issue.Priority,
	})
}
