// Package multipart demultiplexes a package response into its parts while the
// bytes are still arriving. The Converter sits between the package channel and
// the downloader: it consumes start/data/stop events for the whole package and
// emits one start/data/stop sequence per part, exposing each part's
// Content-Location, raw header block, last-part flag and the package preamble
// (the text before the first boundary, which carries the signature).
package multipart
