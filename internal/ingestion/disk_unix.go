// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin

package ingestion

import (
	"fmt"
	"syscall"
)

func diskPercent(path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("ingestion: statfs %s: %w", path, err)
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("ingestion: statfs %s reported zero size", path)
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return (total - free) / total * 100, nil
}
