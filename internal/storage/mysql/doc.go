// Package mysql persists confirmed pipeline transactions in MySQL. It owns the
// connection pool settings, the embedded schema migrations and the queries
// used by the audit sink and the HTTP API.
package mysql
