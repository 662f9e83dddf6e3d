// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestServerGracefulCloseWaitsForInFlight asserts that Close(false) lets an
// in-flight tunnel finish naturally before returning.
func TestServerGracefulCloseWaitsForInFlight(t *testing.T) {
	targetAddr := echoListener(t)
	srv, addr := startTestServer(t, Options{})

	conn := dial(t, addr)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		fmtConn(conn, targetAddr.String())
		close(done)
	}()

	// Give the handler a moment to register the connection as tunneling.
	time.Sleep(50 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		srv.Close(false)
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatalf("graceful close returned before in-flight tunnel finished")
	case <-time.After(100 * time.Millisecond):
	}

	conn.Close()

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("graceful close never completed")
	}
}

func fmtConn(conn net.Conn, target string) {
	conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	buf := make([]byte, 1024)
	conn.Read(buf)
}

// TestServerForcedCloseDestroysRegisteredConnections asserts Close(true)
// tears down every registered connection without waiting for it to finish
// naturally.
func TestServerForcedCloseDestroysRegisteredConnections(t *testing.T) {
	targetAddr := echoListener(t)
	srv, addr := startTestServer(t, Options{})

	conn := dial(t, addr)
	defer conn.Close()

	conn.Write([]byte("CONNECT " + targetAddr.String() + " HTTP/1.1\r\nHost: " + targetAddr.String() + "\r\n\r\n"))
	buf := make([]byte, 1024)
	conn.Read(buf)

	time.Sleep(50 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		srv.Close(true)
		close(closeDone)
	}()

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("forced close never completed")
	}
}

// TestServerEmitsConnectionClosedExactlyOnce asserts that every accepted
// connection reaches exactly one terminal transition and its entry leaves
// the registry.
func TestServerEmitsConnectionClosedExactlyOnce(t *testing.T) {
	var closedCount int32
	var mu sync.Mutex
	var lastID string

	opts := Options{
		OnConnectionClosed: func(c *Connection, _ Stats) {
			atomic.AddInt32(&closedCount, 1)
			mu.Lock()
			lastID = c.ID
			mu.Unlock()
		},
	}
	srv, addr := startTestServer(t, opts)

	conn := dial(t, addr)
	conn.Write([]byte("GET http://127.0.0.1:1/x HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))
	buf := make([]byte, 1024)
	conn.Read(buf)
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&closedCount) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&closedCount), "expected exactly one connectionClosed event")

	srv.mu.Lock()
	_, stillRegistered := srv.conns[lastID]
	srv.mu.Unlock()
	require.False(t, stillRegistered, "expected connection removed from registry after close")
}
