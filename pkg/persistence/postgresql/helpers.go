package postgresql

import "database/sql"

// rowScanner abstracts *sql.Row and *sql.Rows so the scan helpers can serve
// both single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullUUID maps an empty string to NULL for UUID-typed columns, which reject
// the empty string.
func nullUUID(value string) any {
	if value == "" {
		return nil
	}

	return value
}

// fromNull unwraps a nullable text or UUID column back to a plain string.
func fromNull(value sql.NullString) string {
	if !value.Valid {
		return ""
	}

	return value.String
}
