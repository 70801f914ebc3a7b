// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux && !darwin

package ingestion

import "errors"

func diskPercent(string) (float64, error) {
	return 0, errors.New("ingestion: disk probe not supported on this platform")
}
