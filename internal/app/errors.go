package app

import "fmt"

// DomainError is an error the HTTP layer can map directly onto a response.
// Domain outcomes on the write path (conflicts, rejections) are data, not
// errors; DomainError covers the surface-level failures around them.
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
