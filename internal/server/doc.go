// Copyright 2024 Gateway Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that
// can be found in the LICENSE file.

/*
Package server manages HTTP/HTTPS server lifecycle: non-blocking
startup, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server to unify listening, serving, shutdown,
and error propagation behind one type. It supports both plain HTTP and
TLS startup and handles SIGINT/SIGTERM for production-grade graceful
stop. The gateway runs one Manager for its API listener and a second,
independent one for /metrics.

# Core types

  - Manager: HTTP server manager holding the http.Server, net.Listener,
    and an asynchronous error channel; exposes Start/StartTLS/
    Shutdown/WaitForShutdown.
  - Config: server configuration — listen address, read/write
    timeouts, idle timeout, max header size, and shutdown timeout.

# Capabilities

  - Non-blocking startup: Start/StartTLS serve from a background
    goroutine, never blocking the caller.
  - Graceful shutdown: Shutdown drains in-flight requests and releases
    connections within the configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and
    triggers graceful shutdown automatically.
  - Error propagation: Errors() returns a channel callers can watch for
    unexpected server exits.
  - TLS support: StartTLS takes a certificate and key file.
  - Status queries: IsRunning/Addr report running state and listen
    address.
*/
package server
