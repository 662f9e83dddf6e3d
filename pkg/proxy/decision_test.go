// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"errors"
	"testing"

	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

func TestDecisionValidateRejectsBothUpstreamAndCustomResponse(t *testing.T) {
	up := proxyurl.ProxyURL{Scheme: "http", Host: "example.com", Port: 8080}
	d := Decision{Upstream: &up, CustomResponse: &CustomResponseSpec{}}

	err := d.validate(true)
	if !errors.Is(err, ErrDecisionInvariantViolated) {
		t.Fatalf("expected ErrDecisionInvariantViolated, got %v", err)
	}
}

func TestDecisionValidateRejectsCustomResponseForConnect(t *testing.T) {
	d := Decision{CustomResponse: &CustomResponseSpec{}}

	if err := d.validate(false); err == nil {
		t.Fatalf("expected error for customResponse on a CONNECT request")
	}
}

func TestDecisionValidateAllowsPlainForwarding(t *testing.T) {
	d := Decision{}
	if err := d.validate(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.validate(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
