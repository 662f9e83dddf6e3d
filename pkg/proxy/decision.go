// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

// HookInput is handed to the user-supplied Hook once per client request.
type HookInput struct {
	Request  *IncomingRequest
	Username string
	Password string
	Hostname string
	Port     int
	IsHTTP   bool
}

// CustomResponseSpec lets a Hook answer a request without contacting any
// origin. HTTP-only; rejected for CONNECT requests.
type CustomResponseSpec struct {
	Status   int
	Headers  http.Header
	Body     string
	Encoding string
}

// Decision is returned by a Hook. At most one of Upstream and
// CustomResponse may be set; CustomResponse is only valid for non-CONNECT
// requests. FailWith, if non-zero, short-circuits the exchange with that
// status code and a stock reason body, bypassing forwarding, tunneling and
// CustomResponse alike; it is checked after RequireAuth.
type Decision struct {
	RequireAuth    bool
	Upstream       *proxyurl.ProxyURL
	CustomResponse *CustomResponseSpec
	FailWith       int
}

// ErrDecisionInvariantViolated is returned when a Hook's Decision sets both
// Upstream and CustomResponse; at most one may be set.
var ErrDecisionInvariantViolated = errors.New("decision must not set both upstream and customResponse")

func (d Decision) validate(isHTTP bool) error {
	if d.Upstream != nil && d.CustomResponse != nil {
		return ErrDecisionInvariantViolated
	}
	if d.CustomResponse != nil && !isHTTP {
		return errors.New("customResponse is not valid for CONNECT requests")
	}
	return nil
}

// Hook decides, once per client request, whether to demand credentials,
// which upstream (if any) to chain through, and whether to answer with a
// synthetic response. It may return quickly or do its own I/O; the engine
// awaits it uniformly either way.
type Hook func(ctx context.Context, input HookInput) (Decision, error)
