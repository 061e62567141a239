// Package api exposes the HTTP façade of the router: synchronous dispatch,
// asynchronous job submission and lookup, ad-hoc response merging, routing
// rule maintenance, adapter listing, session history and Prometheus metrics.
package api
