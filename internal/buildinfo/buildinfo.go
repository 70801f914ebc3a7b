// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo exposes compile-time metadata.
package buildinfo

// Overridden via ldflags during release builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return "Chronicle " + Version + " (commit " + Commit + ", built " + BuildDate + ")"
}
