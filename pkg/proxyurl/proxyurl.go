// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxyurl parses and redacts the proxy URLs accepted throughout
// the engine: the URL a client authenticates against, and the URL of an
// upstream proxy a Decision chains through.
package proxyurl

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

const (
	// DefaultRedaction is substituted for a password by Redact when the
	// caller does not supply a replacement of its own.
	DefaultRedaction = "<redacted>"

	defaultPort = 80
)

// ProxyURL is the normalized form of a `scheme://[user[:pass]@]host:port`
// proxy address. The zero value is never valid; construct one with Parse.
type ProxyURL struct {
	Scheme string
	Host   string
	Port   int
	User   string
	Pass   string
	// HasUser records whether the original URL carried user info at all,
	// so that an explicit empty username/password is distinguishable from
	// "no credentials configured".
	HasUser bool
}

// HasCredentials reports whether the URL carries proxy authentication.
func (u ProxyURL) HasCredentials() bool {
	return u.HasUser
}

// String renders the URL back into `scheme://[user[:pass]@]host:port` form.
func (u ProxyURL) String() string {
	raw := &url.URL{
		Scheme: u.Scheme,
		Host:   fmt.Sprintf("%s:%d", u.Host, u.Port),
	}
	if u.HasUser {
		raw.User = url.UserPassword(u.User, u.Pass)
	}
	return raw.String()
}

// Parse validates and normalizes a proxy URL string. Only the "http" scheme
// is supported — a forward proxy chains to another forward proxy over
// plain HTTP, never to a proxy reached over TLS. Empty credentials on an
// otherwise userinfo-bearing URL are returned as empty strings, never as
// "missing".
func Parse(s string) (ProxyURL, error) {
	raw, err := url.Parse(s)
	if err != nil {
		return ProxyURL{}, fmt.Errorf("parse proxy url: %w", err)
	}
	if raw.Host == "" {
		return ProxyURL{}, errors.New("proxy url missing host")
	}

	scheme := raw.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" {
		return ProxyURL{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
	}

	host := raw.Hostname()
	if host == "" {
		return ProxyURL{}, errors.New("proxy url missing host")
	}

	port := defaultPort
	if p := raw.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return ProxyURL{}, fmt.Errorf("invalid proxy port %q", p)
		}
		port = n
	}

	out := ProxyURL{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}

	if raw.User != nil {
		out.HasUser = true
		out.User = raw.User.Username()
		out.Pass, _ = raw.User.Password()
	}

	return out, nil
}

// Redact parses s and re-serializes it with the password component
// replaced by replacement (DefaultRedaction if replacement is empty). Every
// other component — scheme, host, port, username — is preserved. A URL
// without a password is returned unchanged.
func Redact(s string, replacement string) (string, error) {
	if replacement == "" {
		replacement = DefaultRedaction
	}

	u, err := Parse(s)
	if err != nil {
		return "", err
	}
	if !u.HasUser || u.Pass == "" {
		return s, nil
	}

	u.Pass = replacement
	return u.String(), nil
}
