// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth decodes and encodes the Basic proxy-authentication scheme
// (RFC 7617) used both for credentials a client presents to this proxy and
// for credentials this proxy presents to an upstream it chains through.
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// ProxyAuthorizationHeader is the header a client sends its own
	// credentials in.
	ProxyAuthorizationHeader = "Proxy-Authorization"

	// ProxyAuthenticationHeader is the header this proxy challenges with on
	// 407. Note: this is "Proxy-Authentication", not RFC 7235's
	// "Proxy-Authenticate" — the wire name this proxy uses deliberately.
	ProxyAuthenticationHeader = "Proxy-Authentication"

	basicScheme = "Basic"
)

// Credentials holds a decoded username/password pair.
type Credentials struct {
	Username string
	Password string
}

// DecodeProxyAuthorization decodes a `Proxy-Authorization: Basic <b64>`
// header value. A missing or malformed header yields empty credentials and
// ok=false; callers treat that identically to "no credentials supplied".
func DecodeProxyAuthorization(headerValue string) (creds Credentials, ok bool) {
	if headerValue == "" {
		return Credentials{}, false
	}

	scheme, encoded, found := strings.Cut(headerValue, " ")
	if !found || !strings.EqualFold(scheme, basicScheme) {
		return Credentials{}, false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Credentials{}, false
	}

	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return Credentials{}, false
	}

	return Credentials{Username: user, Password: pass}, true
}

// EncodeProxyAuthorization builds the `Basic <b64>` value for the given
// credentials, suitable for a `Proxy-Authorization` header sent to an
// upstream proxy.
func EncodeProxyAuthorization(creds Credentials) string {
	raw := creds.Username + ":" + creds.Password
	return basicScheme + " " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Challenge builds the `Proxy-Authentication` header value for a realm, as
// sent in a 407 challenge response.
func Challenge(realm string) string {
	return fmt.Sprintf(`%s realm=%q`, basicScheme, realm)
}
