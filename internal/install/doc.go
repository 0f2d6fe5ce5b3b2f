// Package install records signed packages that passed verification.
//
// Each installed app is stored as one JSON record under
// <StoragePath>/installed/, named by the BLAKE3 digest of its origin (which
// carries the signedPkg attribute). Re-installing the same origin keeps the
// original install id and install time.
package install
