// Package arc is a Go client for the arcd HTTP API: synchronous dispatch,
// asynchronous task submission and polling, ad-hoc merging, routing rule
// maintenance and session history.
package arc
