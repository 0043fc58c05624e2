// Package upstream describes failures of third-party HTTP APIs.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const bodyLimit = 512

// Error is a non-2xx answer (or an unusable body) from a provider. Body holds
// the provider's payload, truncated, for diagnostics.
type Error struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Service, e.StatusCode, e.Body)
}

// Status returns the status code to surface to clients: the provider's own
// error status, or 502 when the provider did not supply one.
func (e *Error) Status() int {
	if e.StatusCode >= 400 && e.StatusCode <= 599 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// FromResponse builds an Error from a failed response, reading at most a
// few KiB of its body.
func FromResponse(service string, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{Service: service, StatusCode: resp.StatusCode, Body: Truncate(raw)}
}

func Truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= bodyLimit {
		return s
	}
	return s[:bodyLimit] + "…"
}
