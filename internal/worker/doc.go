// Package worker implements the offline caching agent: the install handler
// pre-caches the static asset list into the current cache generation, the
// activate handler drops every other generation, and the fetch handler answers
// same-origin requests cache-first and cross-origin requests network-first.
//
// Handlers never block on their asynchronous work directly; they register it
// on the event through WaitUntil and the host decides when the event is done.
package worker
