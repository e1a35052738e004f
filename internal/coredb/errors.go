// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"errors"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// codeError matches modernc.org/sqlite error types exposed by the driver.
type codeError interface {
	Code() int
}

// IsQuotaExceeded reports whether err indicates that the state DB quota has
// been exhausted: SQLITE_FULL once max_page_count is reached, or a
// filesystem-level quota message surfaced by SQLite.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var coder codeError
	if errors.As(err, &coder) {
		if coder.Code() == int(sqlite3.SQLITE_FULL) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return true
	case strings.Contains(msg, "quota") && strings.Contains(msg, "exceeded"):
		return true
	default:
		return false
	}
}
