package store

import "time"

type User struct {
	ID               string
	DisplayName      string
	Email            string
	PasswordHash     string
	Role             string
	SubscriptionTier string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Issue struct {
	ID          string
	ReporterID  string
	Title       string
	Category    string
	Location    string
	Description string
	Status      string
	Priority    string
	IsBoosted   bool
	Upvotes     int
	Upvoters    []string
	// AssignedStaffID is empty until an admin assignment succeeds and is
	// immutable afterwards.
	AssignedStaffID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IssuePatch is the allow-listed field set a reporter may change while an
// issue is still pending. Nil fields are left untouched.
type IssuePatch struct {
	Title       *string
	Category    *string
	Location    *string
	Description *string
	Priority    *string
}

// TimelineEntry is one immutable audit record. IDs are assigned by the caller
// before the first insert attempt so that retried appends stay idempotent.
type TimelineEntry struct {
	ID          string
	IssueID     string
	Status      string
	Message     string
	UpdatedBy   string
	UpdatedByID string
	Timestamp   time.Time
}

type Payment struct {
	ID           string
	UserID       string
	IssueID      string
	Type         string
	AmountCents  int64
	GatewayTxnID string
	Status       string
	CreatedAt    time.Time
}

// IssueFilter narrows list and count queries. Empty fields match everything;
// Search is a case-insensitive substring match over title, category and
// location.
type IssueFilter struct {
	Status          string
	Category        string
	Priority        string
	AssignedStaffID string
	Search          string
}
