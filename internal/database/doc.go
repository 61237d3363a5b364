// Package database provides the PostgreSQL connection pool for the
// optional time-series sink (book updates and trades).
package database
