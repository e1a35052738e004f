// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import "strings"

const secretToken = "[secret]"

func SecretToken() string { return secretToken }

// NewLineRedactor returns a function replacing every secret value in a line
// with [secret]. It returns nil when there is nothing to redact.
func NewLineRedactor(secretValues []string) func(string) string {
	if len(secretValues) == 0 {
		return nil
	}
	filtered := make([]string, 0, len(secretValues))
	for _, val := range secretValues {
		if val != "" {
			filtered = append(filtered, val)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return func(line string) string {
		for _, secret := range filtered {
			line = strings.ReplaceAll(line, secret, secretToken)
		}
		return line
	}
}
