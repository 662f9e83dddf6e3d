// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"
	"io"
	"net/http"
)

// writeSimpleResponse emits a minimal, single-shot error response and lets
// the caller close the connection afterward.
func writeSimpleResponse(w io.Writer, status int, msg string) error {
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Error"
	}
	body := msg
	if body == "" {
		body = reason
	}

	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
	return err
}

// writeAuthRequired emits the 407 Proxy Authentication Required challenge.
func writeAuthRequired(w io.Writer, realm string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authentication: Basic realm=%q\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		realm)
	return err
}
