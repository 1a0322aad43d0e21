// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import "github.com/hashicorp/go-archive/cmd"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// main start go-archive cli `goarchive`
func main() {
	cmd.Run(version, commit, date)
}
