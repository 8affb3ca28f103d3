// Package fetch models the network side of the agent: a single-read Response
// type with explicit Clone, the Fetcher contract used by the cache and the
// worker, and the shared http.Client that talks to the hosting upstream or to
// cross-origin targets. Same-origin requests are rewritten onto the configured
// upstream before leaving the process; cross-origin requests keep their URL.
package fetch
