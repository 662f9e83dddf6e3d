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
	"testing"
	"time"

	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

// echoListener accepts one connection, echoes every byte it reads back to
// the same connection and closes it once the peer half-closes, standing in
// for the TLS-handshake target of spec scenario 4.
func echoListener(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo target: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr()
}

// TestTunnelDirectPumpsBytesVerbatim covers spec scenario 4.
func TestTunnelDirectPumpsBytesVerbatim(t *testing.T) {
	targetAddr := echoListener(t)
	_, addr := startTestServer(t, Options{})

	conn := dial(t, addr)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr.String(), targetAddr.String())

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}
	// consume the blank line terminating the (empty) header block
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("read blank line: %v", err)
	}

	payload := []byte("hello-tls-bytes")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected echo %q, got %q", payload, got)
	}
}

// TestTunnelViaUpstreamRejectedPropagates502 covers spec scenario 5: an
// upstream that refuses the CONNECT with a non-2xx status yields a 502 to
// the client and both sockets close.
func TestTunnelViaUpstreamRejectedPropagates502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake upstream: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		http.ReadRequest(br) // drain the CONNECT request line/headers
		io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	}()

	upstreamURL, err := proxyurl.Parse(fmt.Sprintf("http://%s", ln.Addr().String()))
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	_, addr := startTestServer(t, Options{
		Hook: func(_ context.Context, _ HookInput) (Decision, error) {
			u := upstreamURL
			return Decision{Upstream: &u}, nil
		},
	})

	conn := dial(t, addr)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT 127.0.0.1:9999 HTTP/1.1\r\nHost: 127.0.0.1:9999\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected client connection closed after 502, got err=%v", err)
	}
}
