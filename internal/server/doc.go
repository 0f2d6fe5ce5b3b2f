// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps the Host header to a configured upstream.
// Each site carries the load context (anonymous, private, origin attributes)
// its package requests run under. Handlers are injected through narrow
// interfaces so tests can swap in fakes.
package server
