package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"civictrack/api/internal/accounts"
	"civictrack/api/internal/auth"
	"civictrack/api/internal/media"
	"civictrack/api/internal/rbac"
	"civictrack/api/internal/search"
	"civictrack/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	accounts   *accounts.Service
	media      *media.Service
	search     *search.Service
	corsOrigin string
	validate   *validator.Validate
}

// NewHTTPServer wires the public API surface. media and searchSvc may be nil
// when object storage or the search server is not configured.
func NewHTTPServer(service *Service, accountsSvc *accounts.Service, mediaSvc *media.Service, searchSvc *search.Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		accounts:   accountsSvc,
		media:      mediaSvc,
		search:     searchSvc,
		corsOrigin: corsOrigin,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me/quota" {
		used, limit, err := s.service.OpenIssueCount(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"openIssues": used, "freeTierLimit": limit})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "issues":
		s.handleIssues(w, r, session, parts[2:])
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
	case "staff":
		s.handleStaff(w, r, session, parts[2:])
	case "payments":
		s.handlePayments(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ---------------------------------------------------------------------------
// Auth

type signUpRequest struct {
	DisplayName string `json:"displayName" validate:"required,min=2,max=100"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body signUpRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid sign-up payload", validationDetails(err))
		return
	}

	user, err := s.accounts.SignUp(r.Context(), accounts.SignUpRequest{
		DisplayName: body.DisplayName,
		Email:       body.Email,
		Password:    body.Password,
	})
	if err != nil {
		if errors.Is(err, accounts.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	token, session, err := s.service.IssueSession(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Failed to start session", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"accessToken": token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"role":        session.Role,
	})
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body signInRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid sign-in payload", validationDetails(err))
		return
	}

	user, err := s.accounts.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	token, session, err := s.service.IssueSession(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Failed to start session", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"role":        session.Role,
		"tier":        user.SubscriptionTier,
	})
}

// ---------------------------------------------------------------------------
// Issues

type createIssueRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=200"`
	Category    string `json:"category" validate:"required,min=2,max=100"`
	Location    string `json:"location" validate:"required,min=2,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=normal high"`
}

type editIssueRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=3,max=200"`
	Category    *string `json:"category" validate:"omitempty,min=2,max=100"`
	Location    *string `json:"location" validate:"omitempty,min=2,max=200"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
	Priority    *string `json:"priority" validate:"omitempty,oneof=normal high"`
}

func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		page, pageSize := pagination(r)
		result, err := s.service.ListIssues(r.Context(), session, ListIssuesInput{
			Status:   strings.TrimSpace(r.URL.Query().Get("status")),
			Category: strings.TrimSpace(r.URL.Query().Get("category")),
			Priority: strings.TrimSpace(r.URL.Query().Get("priority")),
			Search:   strings.TrimSpace(r.URL.Query().Get("search")),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePagePayload(result))

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body createIssueRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid issue payload", validationDetails(err))
			return
		}
		issue, err := s.service.CreateIssue(r.Context(), session, CreateIssueInput{
			Title:       body.Title,
			Category:    body.Category,
			Location:    body.Location,
			Description: body.Description,
			Priority:    body.Priority,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, issuePayload(issue))

	case len(rest) == 1 && r.Method == http.MethodGet:
		detail, err := s.service.GetIssueDetail(r.Context(), session, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issueDetailPayload(detail))

	case len(rest) == 1 && r.Method == http.MethodPatch:
		var body editIssueRequest
		if err := decodeStrictBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid edit payload", validationDetails(err))
			return
		}
		issue, err := s.service.EditIssue(r.Context(), session, rest[0], store.IssuePatch{
			Title:       body.Title,
			Category:    body.Category,
			Location:    body.Location,
			Description: body.Description,
			Priority:    body.Priority,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteIssue(r.Context(), session, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "upvote" && r.Method == http.MethodPost:
		issue, err := s.service.Upvote(r.Context(), session, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 2 && rest[1] == "timeline" && r.Method == http.MethodGet:
		entries, err := s.service.GetTimeline(r.Context(), session, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timeline": timelinePayload(entries)})

	case len(rest) == 2 && rest[1] == "photos":
		s.handlePhotos(w, r, session, rest[0])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePhotos(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Photo storage not configured", nil)
		return
	}

	switch r.Method {
	case http.MethodPost:
		issue, err := s.service.GetIssueDetail(r.Context(), session, issueID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if issue.Issue.ReporterID != session.UserID && !s.service.Can(session.Role, rbac.ActionAssign) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if !media.AllowedPhotoType(contentType) {
			writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Photos must be JPEG, PNG or WebP", nil)
			return
		}
		defer r.Body.Close()
		key, err := s.media.UploadPhoto(r.Context(), issueID, contentType, r.Body, r.ContentLength)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "Photo upload failed", nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": key})

	case http.MethodGet:
		if _, err := s.service.GetIssueDetail(r.Context(), session, issueID); err != nil {
			s.fail(w, err)
			return
		}
		urls, err := s.media.ListPhotoURLs(r.Context(), issueID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Failed to list photos", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"photos": urls})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ---------------------------------------------------------------------------
// Admin

type assignRequest struct {
	StaffID string `json:"staffId" validate:"required"`
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "staff" && r.Method == http.MethodGet:
		staff, err := s.service.ListStaffMembers(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		members := make([]map[string]any, 0, len(staff))
		for _, member := range staff {
			members = append(members, map[string]any{
				"id":          member.ID,
				"displayName": member.DisplayName,
				"email":       member.Email,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"staff": members})

	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "assign" && r.Method == http.MethodPost:
		var body assignRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid assign payload", validationDetails(err))
			return
		}
		issue, err := s.service.AssignStaff(r.Context(), session, rest[1], body.StaffID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "reject" && r.Method == http.MethodPost:
		issue, err := s.service.RejectIssue(r.Context(), session, rest[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ---------------------------------------------------------------------------
// Staff

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type progressRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

func (s *HTTPServer) handleStaff(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "status" && r.Method == http.MethodPatch:
		var body statusRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid status payload", validationDetails(err))
			return
		}
		issue, err := s.service.ChangeStatus(r.Context(), session, rest[1], body.Status)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "progress" && r.Method == http.MethodPost:
		var body progressRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid progress payload", validationDetails(err))
			return
		}
		issue, err := s.service.AddProgressNote(r.Context(), session, rest[1], body.Message)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ---------------------------------------------------------------------------
// Payments

type boostPaymentRequest struct {
	IssueID       string `json:"issueId" validate:"required"`
	TransactionID string `json:"transactionId" validate:"required"`
	AmountCents   int64  `json:"amountCents" validate:"required,gt=0"`
}

type subscriptionRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
	AmountCents   int64  `json:"amountCents" validate:"required,gt=0"`
}

func (s *HTTPServer) handlePayments(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "boost" && r.Method == http.MethodPost:
		var body boostPaymentRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid boost payload", validationDetails(err))
			return
		}
		issue, err := s.service.ConfirmBoostPayment(r.Context(), session, body.IssueID, body.TransactionID, body.AmountCents)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 1 && rest[0] == "subscription" && r.Method == http.MethodPost:
		var body subscriptionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid subscription payload", validationDetails(err))
			return
		}
		user, err := s.service.UpgradeSubscription(r.Context(), session, body.TransactionID, body.AmountCents)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userId": user.ID,
			"tier":   user.SubscriptionTier,
		})

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		page, pageSize := pagination(r)
		payments, err := s.service.PaymentHistory(r.Context(), session, pageSize, (page-1)*pageSize)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": paymentsPayload(payments)})

	case len(rest) == 1 && rest[0] == "report" && r.Method == http.MethodGet:
		page, pageSize := pagination(r)
		report, err := s.service.BuildPaymentReport(r.Context(), session, pageSize, (page-1)*pageSize)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"payments":    paymentsPayload(report.Payments),
			"totalCents":  report.TotalCents,
			"boostCount":  report.BoostCount,
			"subscribers": report.Subscribers,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ---------------------------------------------------------------------------
// Search

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	response := s.search.Search(r.Context(), search.Query{
		Text:           q,
		FilterStatus:   strings.TrimSpace(r.URL.Query().Get("status")),
		FilterCategory: strings.TrimSpace(r.URL.Query().Get("category")),
		Limit:          limit,
		Offset:         offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// ---------------------------------------------------------------------------
// Payload shaping

func issuePayload(issue store.Issue) map[string]any {
	upvoters := issue.Upvoters
	if upvoters == nil {
		upvoters = []string{}
	}
	payload := map[string]any{
		"id":          issue.ID,
		"reporterId":  issue.ReporterID,
		"title":       issue.Title,
		"category":    issue.Category,
		"location":    issue.Location,
		"description": issue.Description,
		"status":      issue.Status,
		"priority":    issue.Priority,
		"isBoosted":   issue.IsBoosted,
		"upvotes":     issue.Upvotes,
		"upvoters":    upvoters,
		"createdAt":   issue.CreatedAt.UTC(),
		"updatedAt":   issue.UpdatedAt.UTC(),
	}
	if issue.AssignedStaffID != "" {
		payload["assignedStaffId"] = issue.AssignedStaffID
	}
	return payload
}

func issuePagePayload(page IssuePage) map[string]any {
	issues := make([]map[string]any, 0, len(page.Issues))
	for _, issue := range page.Issues {
		issues = append(issues, issuePayload(issue))
	}
	return map[string]any{
		"issues":     issues,
		"total":      page.Total,
		"page":       page.Page,
		"totalPages": page.TotalPages,
	}
}

func issueDetailPayload(detail IssueDetail) map[string]any {
	return map[string]any{
		"issue":    issuePayload(detail.Issue),
		"timeline": timelinePayload(detail.Timeline),
	}
}

func timelinePayload(entries []store.TimelineEntry) []map[string]any {
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"id":          entry.ID,
			"issueId":     entry.IssueID,
			"status":      entry.Status,
			"message":     entry.Message,
			"updatedBy":   entry.UpdatedBy,
			"updatedById": entry.UpdatedByID,
			"timestamp":   entry.Timestamp.UTC(),
		})
	}
	return payload
}

func paymentsPayload(payments []store.Payment) []map[string]any {
	payload := make([]map[string]any, 0, len(payments))
	for _, payment := range payments {
		entry := map[string]any{
			"id":            payment.ID,
			"type":          payment.Type,
			"amountCents":   payment.AmountCents,
			"transactionId": payment.GatewayTxnID,
			"status":        payment.Status,
			"createdAt":     payment.CreatedAt.UTC(),
		}
		if payment.IssueID != "" {
			entry["issueId"] = payment.IssueID
		}
		payload = append(payload, entry)
	}
	return payload
}

// ---------------------------------------------------------------------------
// Plumbing

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeStrictBody rejects unknown fields. Used on partial edits where a
// misspelled field silently becoming a no-op would hide client bugs.
func decodeStrictBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func pagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = defaultPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

func validationDetails(err error) any {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return nil
	}
	details := make([]map[string]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		details = append(details, map[string]string{
			"field": fieldErr.Field(),
			"rule":  fieldErr.Tag(),
		})
	}
	return details
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
