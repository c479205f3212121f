package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// UpstreamError reports that a backend could not be reached or returned
// something the gateway will not relay. Status is 502 or 504.
type UpstreamError struct {
	Status int
	Route  string
	Cause  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gateway: upstream %s: %v", e.Route, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Message is the client-facing text for the error.
func (e *UpstreamError) Message() string {
	switch {
	case e.Status == http.StatusGatewayTimeout:
		return "Upstream service timed out"
	case errors.Is(e.Cause, errNotJSON):
		return "Upstream service returned an invalid response"
	default:
		return "Upstream service unavailable"
	}
}

var errNotJSON = errors.New("response is not JSON")
