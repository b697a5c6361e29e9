package app

import (
	"context"

	"civictrack/api/internal/rbac"
	"civictrack/api/internal/store"
)

const defaultPageSize = 10

type ListIssuesInput struct {
	Status   string
	Category string
	Priority string
	Search   string
	Page     int
	PageSize int
}

type IssuePage struct {
	Issues     []store.Issue `json:"issues"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
}

// ListIssues returns one page of issues, boosted first then newest. Staff
// sessions are pinned to their own assignments regardless of the requested
// filter.
func (s *Service) ListIssues(ctx context.Context, session Session, input ListIssuesInput) (IssuePage, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return IssuePage{}, errForbidden()
	}

	page := input.Page
	if page < 1 {
		page = 1
	}
	size := input.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > 100 {
		size = 100
	}

	filter := store.IssueFilter{
		Status:   input.Status,
		Category: input.Category,
		Priority: input.Priority,
		Search:   input.Search,
	}
	if rbac.Normalize(session.Role) == rbac.RoleStaff {
		filter.AssignedStaffID = session.UserID
	}

	total, err := s.store.CountIssues(ctx, filter)
	if err != nil {
		return IssuePage{}, err
	}

	issues, err := s.store.ListIssues(ctx, filter, size, (page-1)*size)
	if err != nil {
		return IssuePage{}, err
	}

	totalPages := total / size
	if total%size != 0 {
		totalPages++
	}
	return IssuePage{
		Issues:     issues,
		Total:      total,
		Page:       page,
		TotalPages: totalPages,
	}, nil
}

type IssueDetail struct {
	Issue    store.Issue           `json:"issue"`
	Timeline []store.TimelineEntry `json:"timeline"`
}

// GetIssueDetail returns an issue with its audit history, newest entry first.
func (s *Service) GetIssueDetail(ctx context.Context, session Session, issueID string) (IssueDetail, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return IssueDetail{}, errForbidden()
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return IssueDetail{}, err
	}
	entries, err := s.audit.List(ctx, issueID)
	if err != nil {
		return IssueDetail{}, err
	}
	return IssueDetail{Issue: issue, Timeline: entries}, nil
}

// GetTimeline returns only the audit history for an issue. Unlike the detail
// view it does not require the issue row to still exist, so the trail of a
// deleted issue stays readable.
func (s *Service) GetTimeline(ctx context.Context, session Session, issueID string) ([]store.TimelineEntry, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, errForbidden()
	}
	return s.audit.List(ctx, issueID)
}

// OpenIssueCount reports how many open issues a reporter currently has, used
// by clients to surface the free tier quota.
func (s *Service) OpenIssueCount(ctx context.Context, session Session) (int, int, error) {
	count, err := s.store.CountOpenIssues(ctx, session.UserID)
	if err != nil {
		return 0, 0, err
	}
	return count, s.freeTierLimit, nil
}
