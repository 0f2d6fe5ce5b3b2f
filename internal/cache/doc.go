// Package cache defines the disk-backed store that holds one entry per package
// sub-resource (and one metadata-only entry per package). Entries are written
// through truncating write handles that carry response metadata, security info
// and a forced-validity deadline, and are committed atomically (temp file +
// rename) when their output stream closes. A Storage view namespaces keys by
// load-context prefix and offers the asynchronous read-only open used to hand
// entries to waiting callers.
package cache
