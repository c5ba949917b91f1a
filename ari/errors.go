package ari

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx ARI REST response.
type Error struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ari %s: %d %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ari %s: status %d", e.Operation, e.StatusCode)
}

func statusOf(err error) int {
	var ariErr *Error
	if errors.As(err, &ariErr) {
		return ariErr.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 from ARI: the channel, recording or playback is gone.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports a 409, e.g. stopping a recording that is no longer live.
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusConflict
}

// IsGone reports either of the statuses ARI returns for a resource that
// finished before the command reached it.
func IsGone(err error) bool {
	return IsNotFound(err) || IsConflict(err)
}
