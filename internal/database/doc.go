// Package database builds the pgx connection pool used by the archive
// writer. The core pipeline never touches the database; persistence is an
// adapter concern.
package database
