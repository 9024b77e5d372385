// Package audit stores the registration journal: a history of leaf device
// registration requests and their outcomes, queryable through the HTTP API.
package audit
