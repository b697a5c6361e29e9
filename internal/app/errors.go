package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errPrecondition covers both a missing issue and an issue whose state moved
// between read and write. The two are indistinguishable to callers so that
// probing cannot reveal whether an id exists.
func errPrecondition() *DomainError {
	return domainError(http.StatusConflict, "PRECONDITION_FAILED", "Issue state has changed, refresh and retry", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func errQuotaExceeded(limit int) *DomainError {
	return domainError(http.StatusForbidden, "QUOTA_EXCEEDED",
		fmt.Sprintf("Free tier allows at most %d open issues. Upgrade to premium to report more.", limit), nil)
}

func errValidation(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}
