package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// ErrorBodyLimit caps how much of an upstream error response ends up in an error
const ErrorBodyLimit = 512

// ReadLimited reads up to limit bytes from r. A read failure is described in
// the result instead of being dropped.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// ErrorBody returns the start of an upstream error response, trimmed, for
// inclusion in error messages
func ErrorBody(r io.Reader) string {
	body := strings.TrimSpace(ReadLimited(r, ErrorBodyLimit))
	if body == "" {
		return "<empty>"
	}
	return body
}
