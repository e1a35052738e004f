// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import "github.com/edgefleet/edgefleet/cmd"

func main() {
	cmd.Execute()
}
