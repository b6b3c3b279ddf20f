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

var (
	errPlanNotFound = domainError(http.StatusNotFound, "PLAN_NOT_FOUND", "Plan not found", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

	errHistoryDisabled = domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "Plan history is not configured", nil)
)
