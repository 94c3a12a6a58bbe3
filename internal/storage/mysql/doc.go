// Package mysql persists tracked contract transactions in MySQL. It owns the
// connection pool settings, the embedded schema migrations and a
// txtrack.Store implementation so polling state survives daemon restarts.
package mysql
