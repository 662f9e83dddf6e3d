// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// errHeaderTooLarge is surfaced as a decodeError with StatusRequestHeaderFieldsTooLarge.
var errHeaderTooLarge = errors.New("request headers exceed configured maximum")

// decodeError carries the HTTP status a failed decode should be answered
// with: a malformed first line answers 400, oversized headers answer 431,
// and a header-read deadline expiring answers 408.
type decodeError struct {
	status int
	err    error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// IncomingRequest is the parsed first request line and headers of one
// client exchange, classified as CONNECT-tunnel or forward-HTTP.
type IncomingRequest struct {
	Method        string
	RequestTarget string
	HTTPVersion   string
	Header        http.Header

	Host            string
	Port            int
	IsConnectMethod bool

	raw *http.Request
}

// IsConnect reports whether this is a CONNECT tunnel request.
func (r *IncomingRequest) IsConnect() bool { return r.IsConnectMethod }

// Body is the request body stream (absent/empty for CONNECT).
func (r *IncomingRequest) Body() io.ReadCloser { return r.raw.Body }

// headerLimitReader caps bytes read during header parsing only; once
// headerDone is set the quota is no longer enforced, so that the request
// body (or, for CONNECT/upgrades, opaque tunnel bytes) is never truncated
// by the header-size limit.
type headerLimitReader struct {
	inner      net.Conn
	max        int
	read       int
	headerDone bool
}

func (l *headerLimitReader) Read(p []byte) (int, error) {
	if l.headerDone {
		return l.inner.Read(p)
	}
	if l.read >= l.max {
		return 0, errHeaderTooLarge
	}
	if remaining := l.max - l.read; len(p) > remaining {
		p = p[:remaining]
	}
	n, err := l.inner.Read(p)
	l.read += n
	return n, err
}

// bufferedConn lets the handler keep using the same bufio.Reader that
// decoded the request line and headers for all further reads, so bytes the
// reader already buffered past the blank line (request body, or the start
// of a CONNECT tunnel / upgraded stream) are not dropped.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// decodeRequest reads one request's line and headers off conn, enforcing
// maxHeaderBytes, and classifies it. It returns a net.Conn wrapping conn
// that must be used for all further I/O on this exchange.
func decodeRequest(conn net.Conn, maxHeaderBytes int) (*IncomingRequest, net.Conn, error) {
	limited := &headerLimitReader{inner: conn, max: maxHeaderBytes}
	br := bufio.NewReader(limited)

	raw, err := http.ReadRequest(br)
	limited.headerDone = true
	if err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			return nil, nil, &decodeError{status: http.StatusRequestHeaderFieldsTooLarge, err: err}
		}
		if isTimeoutErr(err) {
			return nil, nil, &decodeError{status: http.StatusRequestTimeout, err: fmt.Errorf("decode request: %w", err)}
		}
		return nil, nil, &decodeError{status: http.StatusBadRequest, err: fmt.Errorf("decode request: %w", err)}
	}

	bc := &bufferedConn{Conn: conn, br: br}

	ir := &IncomingRequest{
		Method:        raw.Method,
		RequestTarget: raw.RequestURI,
		HTTPVersion:   raw.Proto,
		Header:        raw.Header,
		raw:           raw,
	}

	switch {
	case raw.Method == http.MethodConnect:
		authority := raw.URL.Host
		if authority == "" {
			authority = raw.Host
		}
		host, portStr, err := net.SplitHostPort(authority)
		if err != nil {
			return nil, nil, &decodeError{status: http.StatusBadRequest, err: fmt.Errorf("connect target must include port: %w", err)}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, nil, &decodeError{status: http.StatusBadRequest, err: fmt.Errorf("invalid connect port %q", portStr)}
		}
		ir.IsConnectMethod = true
		ir.Host = host
		ir.Port = port

	case raw.URL.IsAbs():
		ir.Host = raw.URL.Hostname()
		port := 80
		if p := raw.URL.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 || n > 65535 {
				return nil, nil, &decodeError{status: http.StatusBadRequest, err: fmt.Errorf("invalid port %q", p)}
			}
			port = n
		}
		ir.Port = port

	default:
		return nil, nil, &decodeError{status: http.StatusBadRequest, err: errors.New("request-target is neither absolute-form nor a CONNECT authority")}
	}

	return ir, bc, nil
}

// connectionHasToken reports whether token appears among the comma-separated
// values of a Connection header, used both to honor arbitrary hop-by-hop
// tokens and to detect protocol-upgrade requests.
func connectionHasToken(connectionHeader, token string) bool {
	for _, tok := range splitCommaList(connectionHeader) {
		if equalFoldTrim(tok, token) {
			return true
		}
	}
	return false
}

func isUpgradeRequest(h http.Header) bool {
	return h.Get("Upgrade") != "" && connectionHasToken(h.Get("Connection"), "upgrade")
}
