// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package helpers implements two thin engine specializations:
// AnonymizeProxy, a locally-bound credential-less front end for an
// authenticated upstream, and CreateTunnel, a TCP front end for a CONNECT
// tunnel through an arbitrary HTTP proxy.
package helpers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/forward-proxy/pkg/auth"
	"github.com/go-core-stack/forward-proxy/pkg/proxy"
	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

// anonymizerEntry backs one entry in the anonymizer registry.
type anonymizerEntry struct {
	server   *proxy.Server
	upstream proxyurl.ProxyURL
}

var (
	anonymizerMu sync.Mutex
	anonymizers  = make(map[string]*anonymizerEntry)
)

// AnonymizeProxy returns a local front end for upstream. If upstream
// carries no credentials it is returned unchanged (idempotent, nothing
// registered).
// Otherwise it spawns an internal Server bound to 127.0.0.1:0 whose Hook
// unconditionally chains to upstream, registers the mapping, and returns
// the local "http://127.0.0.1:<port>" front end.
func AnonymizeProxy(upstream proxyurl.ProxyURL) (string, error) {
	if !upstream.HasCredentials() {
		return upstream.String(), nil
	}

	srv := proxy.New(proxy.Options{
		ListenAddr: "127.0.0.1:0",
		Hook: func(_ context.Context, _ proxy.HookInput) (proxy.Decision, error) {
			u := upstream
			return proxy.Decision{Upstream: &u}, nil
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("anonymize proxy: bind local listener: %w", err)
	}

	go srv.Serve(ln)

	local := fmt.Sprintf("http://%s", ln.Addr().String())

	anonymizerMu.Lock()
	anonymizers[local] = &anonymizerEntry{server: srv, upstream: upstream}
	anonymizerMu.Unlock()

	return local, nil
}

// CloseAnonymizedProxy removes the registry entry for local and closes its
// Server. The entry is removed before the server is closed so a concurrent
// second call cannot double-free it. Reports whether an entry was present.
func CloseAnonymizedProxy(local string, force bool) bool {
	anonymizerMu.Lock()
	entry, ok := anonymizers[local]
	if ok {
		delete(anonymizers, local)
	}
	anonymizerMu.Unlock()

	if !ok {
		return false
	}
	entry.server.Close(force)
	return true
}

// tunnelEntry backs one entry in the tunnel registry.
type tunnelEntry struct {
	listener net.Listener
	upstream proxyurl.ProxyURL
	target   string
	closing  sync.Once
	wg       sync.WaitGroup
}

var (
	tunnelMu sync.Mutex
	tunnels  = make(map[string]*tunnelEntry)
)

// CreateTunnel binds a local listener, and on each accepted connection
// opens a TCP connection to upstream, performs a client-role CONNECT
// handshake against target (with Basic auth if upstream carries
// credentials), then pumps bytes opaquely between the two. Returns the
// "127.0.0.1:<port>" local endpoint.
func CreateTunnel(upstream proxyurl.ProxyURL, target string) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("create tunnel: bind local listener: %w", err)
	}

	entry := &tunnelEntry{listener: ln, upstream: upstream, target: target}
	local := ln.Addr().String()

	tunnelMu.Lock()
	tunnels[local] = entry
	tunnelMu.Unlock()

	entry.wg.Add(1)
	go entry.acceptLoop()

	return local, nil
}

func (e *tunnelEntry) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handle(conn)
		}()
	}
}

func (e *tunnelEntry) handle(client net.Conn) {
	upstreamAddr := fmt.Sprintf("%s:%d", e.upstream.Host, e.upstream.Port)
	upstream, err := net.Dial("tcp", upstreamAddr)
	if err != nil {
		client.Close()
		return
	}

	header := make(http.Header)
	header.Set("Host", e.target)
	if e.upstream.HasCredentials() {
		header.Set(auth.ProxyAuthorizationHeader, auth.EncodeProxyAuthorization(auth.Credentials{
			Username: e.upstream.User,
			Password: e.upstream.Pass,
		}))
	}

	if err := writeConnectRequest(upstream, e.target, header); err != nil {
		upstream.Close()
		client.Close()
		return
	}

	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		upstream.Close()
		client.Close()
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstream.Close()
		client.Close()
		return
	}

	pumpDuplex(client, &bufferedConn{Conn: upstream, br: br})
}

// CloseTunnel tears down the listener and every in-flight tunneled
// connection (when force is true) for local, following the same
// remove-before-destroy discipline as CloseAnonymizedProxy. Reports
// whether an entry was present.
func CloseTunnel(local string, force bool) bool {
	tunnelMu.Lock()
	entry, ok := tunnels[local]
	if ok {
		delete(tunnels, local)
	}
	tunnelMu.Unlock()

	if !ok {
		return false
	}

	entry.listener.Close()
	if force {
		entry.wg.Wait()
	}
	return true
}

// writeConnectRequest serializes the client-role CONNECT request by hand,
// same as pkg/proxy's tunnel handler: http.Request.Write refuses to
// serialize a schemeless CONNECT request.
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

// bufferedConn preserves bytes http.ReadResponse's bufio.Reader already
// buffered past the CONNECT response, same rationale as pkg/proxy's.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.br.Read(p) }

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// pumpDuplex copies bytes client<->upstream until either side closes,
// matching pkg/proxy's opaque duplex pump.
func pumpDuplex(client, upstream net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(upstream, client)
		halfClose(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstream)
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
