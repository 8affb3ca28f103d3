// Package server hosts the Fiber HTTP service and its middleware chain.
// Every request that is not a /-/ diagnostics call is handed to the injected
// ProxyHandler, which turns it into a fetch event for the active agent
// version. Keep exports narrow and accept explicit dependencies.
package server
