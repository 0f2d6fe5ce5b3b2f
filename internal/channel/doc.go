// Package channel implements the transport that fetches a whole package over
// HTTP and replays the response as start/data/stop events on the pipeline's
// event loop. In cache-only-metadata mode the channel keeps a body-less cache
// entry for the package itself and revalidates it with ETag/Last-Modified, so a
// 304 answer surfaces as an empty response served "from cache".
package channel
