// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy implements the programmable forward HTTP proxy engine: the
// per-connection state machine that decodes the first request line,
// consults a user-supplied decision hook, chains through an upstream proxy
// when asked to, and relays bytes between client and origin for both plain
// HTTP requests and CONNECT tunnels.
package proxy
