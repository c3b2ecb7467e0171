// actools command-line tool
//
// Reads and edits settings files, manages presets and watches files for
// changes through the live-synchronized settings engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gro-ove/actools-sub006/cmd/cli"
)

func main() {
	manager := cli.NewManager()

	if err := manager.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
