// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signatureLen is the number of hex characters kept from the digest.
const signatureLen = 32

// Signature returns the immune signature for a failure tuple.
// Equal tuples always produce equal signatures; surrounding whitespace is ignored.
func Signature(source, function, errorType, message string) string {
	h := sha256.New()
	for i, part := range []string{source, function, errorType, message} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(strings.TrimSpace(part)))
	}
	return hex.EncodeToString(h.Sum(nil))[:signatureLen]
}
