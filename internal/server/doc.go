// Package server hosts the Fiber HTTP service: request-id and recovery
// middleware, JSON error rendering, and the catch-all route that hands every
// non-diagnostics request to a ProxyHandler. It also owns the shared upstream
// http.Client used both by the worker and by the pass-through proxy.
// Diagnostics endpoints live under DiagnosticsPrefix and are registered by the
// routes subpackage.
package server
