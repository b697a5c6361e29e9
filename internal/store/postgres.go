package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// terminalStatuses mirrors lifecycle.Terminal. It is inlined into the write
// predicates so the state check and the mutation are one atomic statement.
const terminalStatuses = `('resolved', 'closed', 'rejected')`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, subscription_tier)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.SubscriptionTier)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, subscription_tier, created_at, updated_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.SubscriptionTier, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, subscription_tier, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.SubscriptionTier, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateSubscriptionTier(ctx context.Context, userID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET subscription_tier=$2, updated_at=NOW() WHERE id=$1
	`, userID, tier)
	if err != nil {
		return fmt.Errorf("update subscription tier: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStaff(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, password_hash, role, subscription_tier, created_at, updated_at
		FROM users
		WHERE role='staff'
		ORDER BY display_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.PasswordHash, &item.Role, &item.SubscriptionTier, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan staff user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staff users: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Issues

const issueColumns = `
	i.id, i.reporter_id, i.title, i.category, i.location, i.description,
	i.status, i.priority, i.is_boosted, i.upvotes,
	COALESCE(i.assigned_staff_id, ''), i.created_at, i.updated_at,
	(SELECT COALESCE(jsonb_agg(u.user_id ORDER BY u.created_at), '[]'::jsonb)
	 FROM issue_upvoters u WHERE u.issue_id = i.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (Issue, error) {
	var item Issue
	var upvotersRaw []byte
	err := row.Scan(
		&item.ID,
		&item.ReporterID,
		&item.Title,
		&item.Category,
		&item.Location,
		&item.Description,
		&item.Status,
		&item.Priority,
		&item.IsBoosted,
		&item.Upvotes,
		&item.AssignedStaffID,
		&item.CreatedAt,
		&item.UpdatedAt,
		&upvotersRaw,
	)
	if err != nil {
		return Issue{}, err
	}
	_ = json.Unmarshal(upvotersRaw, &item.Upvoters)
	return item, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, reporter_id, title, category, location, description, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, issue.ID, issue.ReporterID, issue.Title, issue.Category, issue.Location, issue.Description, issue.Status, issue.Priority)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// InsertIssueUnderQuota inserts the issue only while the reporter holds fewer
// than limit open issues. The count and the insert run in one transaction
// serialized per reporter by an advisory lock, so two concurrent creations by
// the same reporter cannot both slip under the ceiling.
func (s *PostgresStore) InsertIssueUnderQuota(ctx context.Context, issue Issue, limit int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin quota tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, issue.ReporterID); err != nil {
		return false, fmt.Errorf("acquire reporter lock: %w", err)
	}

	var open int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issues
		WHERE reporter_id=$1 AND status NOT IN `+terminalStatuses+`
	`, issue.ReporterID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("count open issues: %w", err)
	}
	if open >= limit {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, reporter_id, title, category, location, description, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, issue.ID, issue.ReporterID, issue.Title, issue.Category, issue.Location, issue.Description, issue.Status, issue.Priority); err != nil {
		return false, fmt.Errorf("insert issue under quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit quota tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) CountOpenIssues(ctx context.Context, reporterID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issues
		WHERE reporter_id=$1 AND status NOT IN `+terminalStatuses+`
	`, reporterID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open issues: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	item, err := scanIssue(s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues i
		WHERE i.id=$1
	`, issueID))
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter, limit, offset int) ([]Issue, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues i
		WHERE ($1='' OR i.status=$1)
		  AND ($2='' OR i.category=$2)
		  AND ($3='' OR i.priority=$3)
		  AND ($4='' OR i.assigned_staff_id=$4)
		  AND ($5='' OR i.title ILIKE '%' || $5 || '%' OR i.category ILIKE '%' || $5 || '%' OR i.location ILIKE '%' || $5 || '%')
		ORDER BY i.is_boosted DESC, i.created_at DESC
		LIMIT $6 OFFSET $7
	`, filter.Status, filter.Category, filter.Priority, filter.AssignedStaffID, filter.Search, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountIssues(ctx context.Context, filter IssueFilter) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM issues i
		WHERE ($1='' OR i.status=$1)
		  AND ($2='' OR i.category=$2)
		  AND ($3='' OR i.priority=$3)
		  AND ($4='' OR i.assigned_staff_id=$4)
		  AND ($5='' OR i.title ILIKE '%' || $5 || '%' OR i.category ILIKE '%' || $5 || '%' OR i.location ILIKE '%' || $5 || '%')
	`, filter.Status, filter.Category, filter.Priority, filter.AssignedStaffID, filter.Search).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return count, nil
}

// AssignStaff moves a pending, unassigned issue to assigned. Exactly one of
// two racing assignment attempts can match the predicate.
func (s *PostgresStore) AssignStaff(ctx context.Context, issueID, staffID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status='assigned', assigned_staff_id=$2, updated_at=NOW()
		WHERE id=$1 AND status='pending' AND assigned_staff_id IS NULL
	`, issueID, staffID)
	if err != nil {
		return false, fmt.Errorf("assign staff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign staff rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RejectIssue(ctx context.Context, issueID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status='rejected', updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`, issueID)
	if err != nil {
		return false, fmt.Errorf("reject issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject issue rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateIssueStatus applies a staff or admin status change. staffID narrows
// the predicate to issues assigned to that actor; pass "" for admins.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, newStatus, staffID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		  AND status NOT IN `+terminalStatuses+`
		  AND ($3='' OR assigned_staff_id=$3)
	`, issueID, newStatus, staffID)
	if err != nil {
		return false, fmt.Errorf("update issue status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update issue status rows: %w", err)
	}
	return affected > 0, nil
}

// UpvoteIssue adds the user to the upvoter set and bumps the counter in a
// single statement. The insert's predicate excludes the reporter, and the
// primary key on issue_upvoters absorbs duplicate votes, so a concurrent
// double-submit by the same user increments the counter exactly once.
func (s *PostgresStore) UpvoteIssue(ctx context.Context, issueID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		WITH added AS (
			INSERT INTO issue_upvoters (issue_id, user_id)
			SELECT i.id, $2 FROM issues i
			WHERE i.id=$1 AND i.reporter_id <> $2
			ON CONFLICT (issue_id, user_id) DO NOTHING
			RETURNING issue_id
		)
		UPDATE issues
		SET upvotes = upvotes + 1, updated_at=NOW()
		WHERE id IN (SELECT issue_id FROM added)
	`, issueID, userID)
	if err != nil {
		return false, fmt.Errorf("upvote issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upvote issue rows: %w", err)
	}
	return affected > 0, nil
}

// BoostIssue flips is_boosted exactly once; a duplicate payment signal
// matches zero rows and reports no change.
func (s *PostgresStore) BoostIssue(ctx context.Context, issueID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET is_boosted=TRUE, priority='high', updated_at=NOW()
		WHERE id=$1 AND is_boosted=FALSE
	`, issueID)
	if err != nil {
		return false, fmt.Errorf("boost issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("boost issue rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateOwnIssue applies a partial edit while the issue is still pending and
// owned by reporterID. Nil patch fields keep the stored value.
func (s *PostgresStore) UpdateOwnIssue(ctx context.Context, issueID, reporterID string, patch IssuePatch) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title=COALESCE($3, title),
		    category=COALESCE($4, category),
		    location=COALESCE($5, location),
		    description=COALESCE($6, description),
		    priority=COALESCE($7, priority),
		    updated_at=NOW()
		WHERE id=$1 AND reporter_id=$2 AND status='pending'
	`, issueID, reporterID, patch.Title, patch.Category, patch.Location, patch.Description, patch.Priority)
	if err != nil {
		return false, fmt.Errorf("update own issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update own issue rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteOwnIssue removes a pending issue owned by reporterID and returns the
// deleted snapshot so the caller can confirm what was removed.
func (s *PostgresStore) DeleteOwnIssue(ctx context.Context, issueID, reporterID string) (Issue, bool, error) {
	var item Issue
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM issues
		WHERE id=$1 AND reporter_id=$2 AND status='pending'
		RETURNING id, reporter_id, title, category, location, description,
		          status, priority, is_boosted, upvotes,
		          COALESCE(assigned_staff_id, ''), created_at, updated_at
	`, issueID, reporterID).Scan(
		&item.ID,
		&item.ReporterID,
		&item.Title,
		&item.Category,
		&item.Location,
		&item.Description,
		&item.Status,
		&item.Priority,
		&item.IsBoosted,
		&item.Upvotes,
		&item.AssignedStaffID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, false, nil
	}
	if err != nil {
		return Issue{}, false, fmt.Errorf("delete own issue: %w", err)
	}
	return item, true, nil
}

// ---------------------------------------------------------------------------
// Timeline

// InsertTimelineEntry is idempotent on the entry ID so asynchronous retries
// of a failed append cannot duplicate audit records.
func (s *PostgresStore) InsertTimelineEntry(ctx context.Context, entry TimelineEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_timeline (id, issue_id, status, message, updated_by, updated_by_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.IssueID, entry.Status, entry.Message, entry.UpdatedBy, entry.UpdatedByID)
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTimeline(ctx context.Context, issueID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, status, message, updated_by, updated_by_id, timestamp
		FROM issue_timeline
		WHERE issue_id=$1
		ORDER BY timestamp DESC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEntry, 0)
	for rows.Next() {
		var item TimelineEntry
		if err := rows.Scan(&item.ID, &item.IssueID, &item.Status, &item.Message, &item.UpdatedBy, &item.UpdatedByID, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Payments

// InsertPayment records a completed gateway transaction. Duplicate delivery
// of the same gateway transaction id is absorbed and reported as no change.
func (s *PostgresStore) InsertPayment(ctx context.Context, payment Payment) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, issue_id, type, amount_cents, gateway_txn_id, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (gateway_txn_id) DO NOTHING
	`, payment.ID, payment.UserID, payment.IssueID, payment.Type, payment.AmountCents, payment.GatewayTxnID, payment.Status)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert payment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPaymentsByUser(ctx context.Context, userID string, limit, offset int) ([]Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(issue_id, ''), type, amount_cents, gateway_txn_id, status, created_at
		FROM payments
		WHERE user_id=$1 AND status='completed'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments by user: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *PostgresStore) ListPayments(ctx context.Context, limit, offset int) ([]Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(issue_id, ''), type, amount_cents, gateway_txn_id, status, created_at
		FROM payments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows *sql.Rows) ([]Payment, error) {
	items := make([]Payment, 0)
	for rows.Next() {
		var item Payment
		if err := rows.Scan(&item.ID, &item.UserID, &item.IssueID, &item.Type, &item.AmountCents, &item.GatewayTxnID, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return items, nil
}
