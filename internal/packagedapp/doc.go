// Package packagedapp turns one package download into many cacheable
// resources. A Service keeps at most one Downloader per package key; callers
// asking for resources of a package that is already downloading join the
// in-flight Downloader instead of starting another fetch. The Downloader writes
// every part into its own cache entry while the bytes stream in, feeds the same
// bytes to a Verifier when the package is signed, and hands each resource to
// its waiting callers once it has been verified. Every registered callback is
// settled exactly once: with the cached resource, or with the package's final
// error.
//
// All exported methods must be called on the event loop the Service was built
// with. Nothing in this package takes a lock.
package packagedapp
