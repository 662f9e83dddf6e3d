// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package helpers

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/go-core-stack/forward-proxy/pkg/auth"
	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

// TestAnonymizeProxyIdempotentWithoutCredentials asserts that
// AnonymizeProxy(u) for credential-less u returns u unchanged and
// registers nothing.
func TestAnonymizeProxyIdempotentWithoutCredentials(t *testing.T) {
	u, err := proxyurl.Parse("http://example.com:8080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	local, err := AnonymizeProxy(u)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	if local != u.String() {
		t.Fatalf("expected unchanged url %q, got %q", u.String(), local)
	}

	anonymizerMu.Lock()
	_, registered := anonymizers[local]
	anonymizerMu.Unlock()
	if registered {
		t.Fatalf("expected no registry entry for credential-less url")
	}
}

// TestAnonymizeProxyInjectsUpstreamCredentials spins up a real upstream
// server asserting the Proxy-Authorization header, then drives a request
// through the anonymizing front end with no credentials of its own.
func TestAnonymizeProxyInjectsUpstreamCredentials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake upstream: %v", err)
	}
	defer ln.Close()

	gotAuth := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		gotAuth <- req.Header.Get(auth.ProxyAuthorizationHeader)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	upstream, err := proxyurl.Parse(fmt.Sprintf("http://u:p@%s", ln.Addr().String()))
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}

	local, err := AnonymizeProxy(upstream)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	defer CloseAnonymizedProxy(local, true)

	localURL, err := proxyurl.Parse(local)
	if err != nil {
		t.Fatalf("parse local: %v", err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", localURL.Host, localURL.Port), time.Second)
	if err != nil {
		t.Fatalf("dial local front end: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://origin.invalid/x HTTP/1.1\r\nHost: origin.invalid\r\n\r\n")

	select {
	case got := <-gotAuth:
		if got != "Basic dTpw" {
			t.Fatalf("expected upstream to see Basic dTpw, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never received a request")
	}
}

// TestCloseAnonymizedProxyReportsPresence exercises the remove-then-destroy
// registry discipline: a second close on the same front end reports false.
func TestCloseAnonymizedProxyReportsPresence(t *testing.T) {
	u, err := proxyurl.Parse("http://u:p@example.com:8080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	local, err := AnonymizeProxy(u)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	if !CloseAnonymizedProxy(local, true) {
		t.Fatalf("expected first close to report true")
	}
	if CloseAnonymizedProxy(local, true) {
		t.Fatalf("expected second close to report false (already removed)")
	}
}

// TestCreateTunnelPumpsBytesThroughProxy asserts that a local listener
// front-ends a CONNECT tunnel through a fake proxy to an echo target.
func TestCreateTunnelPumpsBytesThroughProxy(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo target: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake proxy: %v", err)
	}
	defer proxyLn.Close()
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		http.ReadRequest(br)
		io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

		target, err := net.Dial("tcp", echoLn.Addr().String())
		if err != nil {
			conn.Close()
			return
		}
		go io.Copy(target, br)
		io.Copy(conn, target)
	}()

	proxyURL, err := proxyurl.Parse(fmt.Sprintf("http://%s", proxyLn.Addr().String()))
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}

	local, err := CreateTunnel(proxyURL, echoLn.Addr().String())
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}
	defer CloseTunnel(local, true)

	conn, err := net.DialTimeout("tcp", local, time.Second)
	if err != nil {
		t.Fatalf("dial local tunnel front end: %v", err)
	}
	defer conn.Close()

	payload := []byte("tunnel-payload")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected echo %q, got %q", payload, got)
	}
}
