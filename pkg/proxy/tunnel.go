// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/forward-proxy/pkg/auth"
)

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleTunnel implements component F: establish a TCP tunnel to the
// target, direct or via an upstream CONNECT with Basic auth, then pump
// bytes opaquely until either side closes.
func (s *Server) handleTunnel(c *Connection, client net.Conn, req *IncomingRequest, decision Decision) {
	logger := s.logger.With().Str("connection", c.ID).Str("target", fmt.Sprintf("%s:%d", req.Host, req.Port)).Logger()

	if decision.Upstream == nil {
		s.tunnelDirect(c, client, req, logger)
		return
	}
	s.tunnelViaUpstream(c, client, req, decision, logger)
}

func (s *Server) tunnelDirect(c *Connection, client net.Conn, req *IncomingRequest, logger zerolog.Logger) {
	targetAddr := fmt.Sprintf("%s:%d", req.Host, req.Port)

	dialCtx, cancel := context.WithTimeout(context.Background(), s.opts.UpstreamDialTimeout)
	defer cancel()

	var d net.Dialer
	upstreamConn, err := d.DialContext(dialCtx, "tcp", targetAddr)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Msg("tunnel: failed to connect to target")
		writeSimpleResponse(client, status, fmt.Sprintf("failed to connect to %s", targetAddr))
		return
	}
	c.setUpstream(upstreamConn)

	if _, err := io.WriteString(client, connectionEstablished); err != nil {
		upstreamConn.Close()
		return
	}

	s.emitTunnelConnected(c)
	pumpDuplex(c, client, upstreamConn)
}

func (s *Server) tunnelViaUpstream(c *Connection, client net.Conn, req *IncomingRequest, decision Decision, logger zerolog.Logger) {
	targetAddr := fmt.Sprintf("%s:%d", req.Host, req.Port)
	upstreamAddr := fmt.Sprintf("%s:%d", decision.Upstream.Host, decision.Upstream.Port)

	dialCtx, cancel := context.WithTimeout(context.Background(), s.opts.UpstreamDialTimeout)
	upstreamConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", upstreamAddr)
	cancel()
	if err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Msg("tunnel: failed to connect to upstream proxy")
		writeSimpleResponse(client, status, "failed to connect to upstream proxy")
		return
	}
	c.setUpstream(upstreamConn)

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: make(http.Header),
	}
	connectReq.Header.Set("Host", targetAddr)
	if decision.Upstream.HasCredentials() {
		connectReq.Header.Set(auth.ProxyAuthorizationHeader, auth.EncodeProxyAuthorization(auth.Credentials{
			Username: decision.Upstream.User,
			Password: decision.Upstream.Pass,
		}))
	}

	if s.opts.UpstreamConnectTimeout > 0 {
		upstreamConn.SetDeadline(time.Now().Add(s.opts.UpstreamConnectTimeout))
	}

	if err := writeConnectRequest(upstreamConn, targetAddr, connectReq.Header); err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Msg("tunnel: failed to send CONNECT to upstream proxy")
		upstreamConn.Close()
		writeSimpleResponse(client, status, "failed to reach upstream proxy")
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, connectReq)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(err) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Msg("tunnel: malformed CONNECT response from upstream proxy")
		upstreamConn.Close()
		writeSimpleResponse(client, status, "malformed response from upstream proxy")
		return
	}
	resp.Body.Close()

	upstreamConn.SetDeadline(time.Time{})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().Int("upstream_status", resp.StatusCode).Msg("tunnel: upstream proxy refused CONNECT")
		writeSimpleResponse(client, http.StatusBadGateway, fmt.Sprintf("upstream proxy CONNECT failed: %s", resp.Status))
		upstreamConn.Close()
		return
	}

	if _, err := io.WriteString(client, connectionEstablished); err != nil {
		upstreamConn.Close()
		return
	}

	s.emitTunnelConnected(c)
	bufferedUpstream := &bufferedConn{Conn: upstreamConn, br: upstreamReader}
	pumpDuplex(c, client, bufferedUpstream)
}

// writeConnectRequest serializes the client-role CONNECT request by hand:
// http.Request.Write refuses to serialize a CONNECT request whose URL has
// no scheme, so the handshake is written directly.
func writeConnectRequest(w io.Writer, targetAddr string, header http.Header) error {
	if _, err := fmt.Fprintf(w, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr); err != nil {
		return err
	}
	for k, vv := range header {
		if k == "Host" {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// pumpDuplex copies bytes client<->upstream concurrently. When one direction
// reaches end-of-stream its destination is half-closed; both sockets are
// fully closed once both directions have ended. Ordering within one
// direction is preserved by io.Copy's sequential reads/writes, and
// back-pressure falls naturally out of Write blocking when the peer isn't
// draining.
func pumpDuplex(c *Connection, client, upstream net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(upstream, client)
		c.addBytesIn(n)
		halfClose(upstream)
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(client, upstream)
		c.addBytesOut(n)
		halfClose(client)
		return err
	})

	_ = g.Wait()
	client.Close()
	upstream.Close()
}

func halfClose(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
