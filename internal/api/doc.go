// Package api exposes the REST surface for managing recurring orders and
// delegation credentials, and for operational actions such as triggering a
// due-order sweep or scraping metrics. Execution never flows through this
// package; it only drives the stores and the reconciler.
package api
