package app

import (
	"context"
	"testing"
	"time"

	"civictrack/api/internal/store"
)

func TestListIssuesPinsStaffToOwnAssignments(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	mine := pendingIssue("iss_mine")
	mine.Status = "assigned"
	mine.AssignedStaffID = "usr_staff"
	fs.addIssue(mine)
	other := pendingIssue("iss_other")
	other.Status = "assigned"
	other.AssignedStaffID = "usr_staff2"
	fs.addIssue(other)
	fs.addIssue(pendingIssue("iss_unassigned"))
	svc, _ := newTestService(fs)

	page, err := svc.ListIssues(context.Background(), staffSession, ListIssuesInput{})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected staff to see 1 issue, got %d", page.Total)
	}
	if page.Issues[0].ID != "iss_mine" {
		t.Fatalf("expected iss_mine, got %s", page.Issues[0].ID)
	}

	// Admins see everything.
	page, err = svc.ListIssues(context.Background(), adminSession, ListIssuesInput{})
	if err != nil {
		t.Fatalf("list issues as admin: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 issues for admin, got %d", page.Total)
	}
}

func TestListIssuesPaging(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	for i := 0; i < 25; i++ {
		fs.addIssue(store.Issue{
			ID:         "iss_" + string(rune('a'+i)),
			ReporterID: "usr_citizen",
			Status:     "pending",
		})
	}
	svc, _ := newTestService(fs)

	page, err := svc.ListIssues(context.Background(), adminSession, ListIssuesInput{})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if page.Page != 1 {
		t.Fatalf("expected page 1, got %d", page.Page)
	}
	if len(page.Issues) != 10 {
		t.Fatalf("expected default page size 10, got %d", len(page.Issues))
	}
	if page.TotalPages != 3 {
		t.Fatalf("expected 3 pages for 25 issues, got %d", page.TotalPages)
	}

	page, err = svc.ListIssues(context.Background(), adminSession, ListIssuesInput{Page: 3})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page.Issues) != 5 {
		t.Fatalf("expected 5 issues on last page, got %d", len(page.Issues))
	}
}

func TestListIssuesFilters(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	roads := pendingIssue("iss_roads")
	roads.Category = "roads"
	fs.addIssue(roads)
	lights := pendingIssue("iss_lights")
	lights.Category = "lighting"
	fs.addIssue(lights)
	svc, _ := newTestService(fs)

	page, err := svc.ListIssues(context.Background(), adminSession, ListIssuesInput{Category: "roads"})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if page.Total != 1 || page.Issues[0].ID != "iss_roads" {
		t.Fatalf("expected only iss_roads, got %+v", page.Issues)
	}
}

func TestListIssuesSearchAndBoostedFirstOrder(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	oldPothole := pendingIssue("iss_old")
	oldPothole.Title = "Pothole near school"
	oldPothole.CreatedAt = base
	fs.addIssue(oldPothole)

	newPothole := pendingIssue("iss_new")
	newPothole.Title = "Another POTHOLE downtown"
	newPothole.CreatedAt = base.Add(2 * time.Hour)
	fs.addIssue(newPothole)

	boosted := pendingIssue("iss_boosted")
	boosted.Title = "Deep pothole on the bridge"
	boosted.IsBoosted = true
	boosted.Priority = "high"
	boosted.CreatedAt = base.Add(time.Hour)
	fs.addIssue(boosted)

	lights := pendingIssue("iss_lights")
	lights.Title = "Streetlight out"
	lights.CreatedAt = base.Add(3 * time.Hour)
	fs.addIssue(lights)

	resolved := pendingIssue("iss_resolved")
	resolved.Title = "Pothole, long fixed"
	resolved.Status = "resolved"
	resolved.CreatedAt = base.Add(4 * time.Hour)
	fs.addIssue(resolved)

	svc, _ := newTestService(fs)

	// Case-insensitive substring search combined with a status filter,
	// two per page: boosted issues lead, then newest first.
	page, err := svc.ListIssues(context.Background(), adminSession, ListIssuesInput{
		Status:   "pending",
		Search:   "pothole",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if page.Total != 3 || page.TotalPages != 2 {
		t.Fatalf("expected total=3 totalPages=2, got total=%d totalPages=%d", page.Total, page.TotalPages)
	}
	if len(page.Issues) != 2 {
		t.Fatalf("expected 2 issues on page 1, got %d", len(page.Issues))
	}
	if page.Issues[0].ID != "iss_boosted" || page.Issues[1].ID != "iss_new" {
		t.Fatalf("expected [iss_boosted iss_new], got [%s %s]", page.Issues[0].ID, page.Issues[1].ID)
	}
}

func TestTimelineOfDeletedIssueStaysReadable(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	fs.addIssue(pendingIssue("iss_1"))
	svc, _ := newTestService(fs)

	if err := svc.DeleteIssue(context.Background(), citizenSession, "iss_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries, err := svc.GetTimeline(context.Background(), adminSession, "iss_1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected deletion entry to survive, got %d entries", len(entries))
	}

	// The detail view is gone with the row.
	_, err = svc.GetIssueDetail(context.Background(), adminSession, "iss_1")
	if code := domainCode(t, err); code != "PRECONDITION_FAILED" {
		t.Fatalf("expected PRECONDITION_FAILED, got %s", code)
	}
}

func TestOpenIssueCount(t *testing.T) {
	fs := newFakeStore()
	seedUsers(fs)
	fs.addIssue(store.Issue{ID: "iss_a", ReporterID: "usr_citizen", Status: "pending"})
	fs.addIssue(store.Issue{ID: "iss_b", ReporterID: "usr_citizen", Status: "closed"})
	svc, _ := newTestService(fs)

	used, limit, err := svc.OpenIssueCount(context.Background(), citizenSession)
	if err != nil {
		t.Fatalf("open issue count: %v", err)
	}
	if used != 1 || limit != 3 {
		t.Fatalf("expected used=1 limit=3, got used=%d limit=%d", used, limit)
	}
}
