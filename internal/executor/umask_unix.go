// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build unix

package executor

import "syscall"

func applyUmask(mask int) func() {
	old := syscall.Umask(mask)
	return func() { syscall.Umask(old) }
}
