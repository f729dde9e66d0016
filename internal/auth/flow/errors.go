package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Linking and refresh failures callers are expected to branch on. The UI
// shows no error banner for ErrUserCancelled, a provider-supplied message
// for ProviderError, and generic "could not connect" messaging for the
// network-side failures.
var (
	ErrUserCancelled            = errors.New("authorization cancelled by user")
	ErrMissingAuthorizationCode = errors.New("callback carried no authorization code")
	ErrInvalidCallback          = errors.New("invalid authorization callback")
	ErrTokenExchangeFailed      = errors.New("token exchange failed")
	ErrTokenRefreshFailed       = errors.New("token refresh failed")
	ErrProfileFetchFailed       = errors.New("profile fetch failed")
)

// ProviderError carries the provider's own rejection of an authorization
// request, delivered via the error/error_description callback parameters.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider rejected authorization: %s", e.Code)
	}
	return fmt.Sprintf("provider rejected authorization: %s (%s)", e.Code, e.Description)
}

// IsPermanentRefreshError reports whether a refresh failure indicates a
// revoked or invalid grant, as opposed to a transient network/provider
// problem worth retrying on the next sweep.
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
