// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"bytes"
	"net/http"
	"testing"
)

func TestWriteCustomResponseDefaults(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCustomResponse(&buf, &CustomResponseSpec{}); err != nil {
		t.Fatalf("write custom response: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", resp.StatusCode)
	}
	if resp.ContentLength != 0 {
		t.Fatalf("expected Content-Length 0, got %d", resp.ContentLength)
	}
}

func TestWriteCustomResponseOverridesTransferEncoding(t *testing.T) {
	var buf bytes.Buffer
	spec := &CustomResponseSpec{
		Status:  http.StatusTeapot,
		Headers: http.Header{"Transfer-Encoding": []string{"chunked"}},
		Body:    "teapot",
	}
	if err := writeCustomResponse(&buf, spec); err != nil {
		t.Fatalf("write custom response: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", resp.StatusCode)
	}
	if got := resp.TransferEncoding; len(got) != 0 {
		t.Fatalf("expected no chunked transfer-encoding, got %v", got)
	}
	if resp.ContentLength != int64(len("teapot")) {
		t.Fatalf("expected Content-Length %d, got %d", len("teapot"), resp.ContentLength)
	}
}

func TestWriteCustomResponseRejectsUnsupportedEncoding(t *testing.T) {
	var buf bytes.Buffer
	err := writeCustomResponse(&buf, &CustomResponseSpec{Body: "x", Encoding: "utf-16"})
	if err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}
