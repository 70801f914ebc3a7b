// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package types

import "strings"

// ErrorClass is the coarse error taxonomy used to pick a propagation policy.
type ErrorClass string

const (
	// ClassTransient covers network and timeout errors, retried locally.
	ClassTransient ErrorClass = "transient"
	// ClassResource covers memory and disk exhaustion, handled by fallback or degraded mode.
	ClassResource ErrorClass = "resource"
	// ClassPermission is blocked until an elevation grant exists.
	ClassPermission ErrorClass = "permission"
	// ClassLogic covers logic and configuration errors, analyzed and possibly planned by a human.
	ClassLogic ErrorClass = "logic"
	// ClassCritical covers critical or unknown errors. No autonomous retry.
	ClassCritical ErrorClass = "critical"
)

// ErrorKind is the repair template family an error type maps onto.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindFileMissing   ErrorKind = "file_missing"
	KindPermission    ErrorKind = "permission"
	KindMemory        ErrorKind = "memory"
	KindConfiguration ErrorKind = "configuration"
	KindTimeout       ErrorKind = "timeout"
	KindUnknown       ErrorKind = "unknown"
)

var kindHints = []struct {
	kind  ErrorKind
	hints []string
}{
	{KindTimeout, []string{"timeout", "timedout", "deadline", "etimedout"}},
	{KindConnection, []string{"connection", "connect", "econnrefused", "econnreset", "network", "socket", "dns", "unreachable", "broken pipe"}},
	{KindFileMissing, []string{"filenotfound", "file not found", "enoent", "no such file", "notfound", "missing"}},
	{KindPermission, []string{"permission", "eacces", "eperm", "access denied", "forbidden", "unauthorized"}},
	{KindMemory, []string{"memory", "oom", "out of memory", "heap", "alloc"}},
	{KindConfiguration, []string{"config", "yaml", "json", "parse", "invalid setting", "keyerror", "valueerror", "env"}},
}

// KindOf maps a free-form error type (and optionally its message) onto an ErrorKind.
// Matching is case-insensitive and checks the error type before the message.
func KindOf(errorType, message string) ErrorKind {
	for _, candidate := range []string{errorType, message} {
		c := strings.ToLower(candidate)
		if c == "" {
			continue
		}
		for _, kh := range kindHints {
			for _, h := range kh.hints {
				if strings.Contains(c, h) {
					return kh.kind
				}
			}
		}
	}
	return KindUnknown
}

// Class returns the taxonomy class for the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindConnection, KindTimeout:
		return ClassTransient
	case KindMemory, KindFileMissing:
		return ClassResource
	case KindPermission:
		return ClassPermission
	case KindConfiguration:
		return ClassLogic
	default:
		return ClassCritical
	}
}

// Immunizable reports whether exhausted retries for this kind should build immunity.
func (k ErrorKind) Immunizable() bool {
	switch k {
	case KindConnection, KindTimeout, KindPermission:
		return true
	}
	return false
}
