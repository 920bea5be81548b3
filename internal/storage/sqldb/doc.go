// Package sqldb opens SQL connection pools for the task store and applies the
// embedded schema migrations. MySQL (go-sql-driver/mysql) and SQLite
// (mattn/go-sqlite3) are supported; both use "?" placeholders so callers can
// share statements across dialects.
package sqldb
