package servicebus

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of a failed response is kept on an Error.
const maxErrorBody = 4 << 10

// Error is a non-success response to a queue operation.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func newError(op, url string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{Op: op, URL: url, StatusCode: resp.StatusCode, Body: string(body)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("unable to %s %s (%d): %s", e.Op, e.URL, e.StatusCode, e.Body)
}

// Transient reports whether the same request may succeed later. Rejected
// credentials and malformed requests will not.
func (e *Error) Transient() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsUnauthorized reports whether the server rejected the token.
func (e *Error) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
