// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/go-core-stack/forward-proxy/pkg/auth"
)

// decodeProxyAuthorizationFromHeader extracts and decodes the client's
// Proxy-Authorization header, if present. A missing header yields empty
// credentials, treated identically to a present-but-empty username and
// password.
func decodeProxyAuthorizationFromHeader(h http.Header) (auth.Credentials, bool) {
	return auth.DecodeProxyAuthorization(h.Get(auth.ProxyAuthorizationHeader))
}

// splitCommaList splits a comma-separated header value into trimmed,
// non-empty, syntactically valid header-field-name tokens.
func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || !httpguts.ValidHeaderFieldName(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// isTimeoutErr reports whether err resulted from a deadline or context
// timeout expiring, as opposed to a connection refusal or other dial
// failure, so callers can answer 408/504 instead of 400/502.
func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
