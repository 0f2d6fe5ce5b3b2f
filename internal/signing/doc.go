// Package signing verifies signed packages while they stream.
//
// A package is signed when its preamble carries a "manifest-signature:" line.
// The signature is an Ed25519 signature, made by one of the configured trusted
// keys, over the raw header bytes and body of the first part (the manifest).
// The manifest lists every resource with a "blake3-<hex>" integrity digest
// computed over that resource's raw header bytes and body.
//
// Verification results are delivered back on the event loop in the same order
// the parts finished, one result per posted task.
package signing
