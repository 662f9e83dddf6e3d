// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/forward-proxy/pkg/auth"
)

// hopByHopHeaders are stripped on both legs of a forwarded exchange.
// Upgrade is handled separately since it must survive when upgrade
// semantics apply.
var hopByHopHeaders = []string{
	"Proxy-Authorization",
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
}

// stripHopByHop removes the canonical hop-by-hop set plus any extra token
// named in the Connection header. Upgrade (and Connection itself) are
// preserved when preserveUpgrade is true.
func stripHopByHop(h http.Header, preserveUpgrade bool) {
	extra := splitCommaList(h.Get("Connection"))

	for _, k := range hopByHopHeaders {
		if preserveUpgrade && k == "Connection" {
			continue
		}
		h.Del(k)
	}
	if !preserveUpgrade {
		h.Del("Upgrade")
	}
	for _, tok := range extra {
		if preserveUpgrade && equalFoldTrim(tok, "Upgrade") {
			continue
		}
		h.Del(tok)
	}
}

// handleForward implements component E: rewrite and relay a single HTTP
// request/response, with or without upstream chaining.
func (s *Server) handleForward(c *Connection, client net.Conn, req *IncomingRequest, decision Decision) {
	logger := s.logger.With().Str("connection", c.ID).Str("method", req.Method).Logger()

	preserveUpgrade := isUpgradeRequest(req.Header)

	upstreamReq := req.raw.Clone(context.Background())
	stripHopByHop(upstreamReq.Header, preserveUpgrade)

	var dialAddr string
	var useProxyForm bool

	if decision.Upstream != nil {
		dialAddr = fmt.Sprintf("%s:%d", decision.Upstream.Host, decision.Upstream.Port)
		useProxyForm = true
		if decision.Upstream.HasCredentials() {
			upstreamReq.Header.Set(auth.ProxyAuthorizationHeader, auth.EncodeProxyAuthorization(auth.Credentials{
				Username: decision.Upstream.User,
				Password: decision.Upstream.Pass,
			}))
		}
	} else {
		dialAddr = fmt.Sprintf("%s:%d", req.Host, req.Port)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), s.opts.UpstreamDialTimeout)
	defer cancel()

	var d net.Dialer
	upstreamConn, err := d.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Str("target", dialAddr).Msg("forward: upstream connect failed")
		writeSimpleResponse(client, status, fmt.Sprintf("failed to connect to %s", dialAddr))
		return
	}
	c.setUpstream(upstreamConn)
	defer upstreamConn.Close()

	if useProxyForm {
		err = upstreamReq.WriteProxy(upstreamConn)
	} else {
		err = upstreamReq.Write(upstreamConn)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("forward: failed to write upstream request")
		writeSimpleResponse(client, http.StatusBadGateway, "failed to forward request")
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, upstreamReq)
	if err != nil {
		logger.Warn().Err(err).Msg("forward: malformed upstream response")
		writeSimpleResponse(client, http.StatusBadGateway, "malformed upstream response")
		return
	}
	defer resp.Body.Close()

	respPreserveUpgrade := preserveUpgrade && resp.StatusCode == http.StatusSwitchingProtocols
	stripHopByHop(resp.Header, respPreserveUpgrade)

	if respPreserveUpgrade {
		s.relayUpgrade(c, client, upstreamConn, upstreamReader, resp, logger)
		return
	}

	n, err := writeResponse(client, resp)
	c.addBytesOut(n)
	if err != nil {
		logger.Warn().Err(err).Msg("forward: failed to relay response to client")
	}
}

// relayUpgrade writes the 101 response and then switches into the same
// opaque duplex pump used for CONNECT tunnels.
func (s *Server) relayUpgrade(c *Connection, client net.Conn, upstreamConn net.Conn, upstreamReader *bufio.Reader, resp *http.Response, logger zerolog.Logger) {
	if err := writeResponseHeadOnly(client, resp); err != nil {
		logger.Warn().Err(err).Msg("forward: failed to relay upgrade response")
		return
	}
	s.emitTunnelConnected(c)
	bufferedUpstream := &bufferedConn{Conn: upstreamConn, br: upstreamReader}
	pumpDuplex(c, client, bufferedUpstream)
}

// writeResponse relays a full HTTP response (status line, headers, body)
// using the framing net/http's Response.Write derives from its own
// ContentLength/TransferEncoding fields — which is why any
// Content-Length/Transfer-Encoding entries left in the Header map do not
// matter: Write skips them and writes the correct framing line itself.
func writeResponse(w net.Conn, resp *http.Response) (int64, error) {
	cw := &countingWriter{w: w}
	err := resp.Write(cw)
	return cw.n, err
}

// writeResponseHeadOnly writes just the status line and headers, used for
// 101 responses where there is no HTTP-framed body to follow.
func writeResponseHeadOnly(w net.Conn, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

type countingWriter struct {
	w net.Conn
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
