package storage

import (
	"fmt"
	"strings"
)

func IsMySQL(driver string) bool {
	return strings.EqualFold(driver, "mysql")
}

// UpsertSuffix returns the dialect clause that turns an INSERT on key into an
// update of cols when the row already exists.
func UpsertSuffix(driver, key string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	if IsMySQL(driver) {
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

// LockSuffix returns the row-lock clause for a SELECT inside a transaction.
// SQLite serializes writers on its own and has no FOR UPDATE.
func LockSuffix(driver string) string {
	if IsMySQL(driver) {
		return " FOR UPDATE"
	}
	return ""
}
