package apperr

import (
	"errors"
	"strings"
)

// authMarkers is deliberately narrow. Bare "invalid" and "token" show up in
// unrelated failures ("invalid payload", "missing token in request").
var authMarkers = []string{
	"expired",
	"unauthorized",
	"jwt",
	"authentication",
}

// IsAuthMessage reports whether a raw error message describes an
// authentication failure.
func IsAuthMessage(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err is an auth-kind *Error or its message
// classifies as an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == KindAuth
	}
	return IsAuthMessage(err.Error())
}
