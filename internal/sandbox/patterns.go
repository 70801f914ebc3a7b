// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

var escalationPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"privilege escalation via sudo/su/doas", regexp.MustCompile(`(?m)(^|[\s;|&(])(sudo|doas|su\s+-?\s*root)\b`)},
	{"setuid bit change", regexp.MustCompile(`\bchmod\s+(-R\s+)?([ugoa]*\+s|[2467][0-7]{3})\b`)},
	{"filesystem formatting", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"raw device write", regexp.MustCompile(`\bdd\s+[^\n]*of=/dev/`)},
	{"ownership change to root", regexp.MustCompile(`\bchown\s+(-R\s+)?root\b`)},
}

var recursiveDeleteRe = regexp.MustCompile(`\brm\s+((?:-[a-zA-Z]+\s+)+)(/[^\s;|&'"]*)`)

// Dangerous returns a warning for every dangerous operation visible in output.
// Recursive deletes are dangerous unless they stay inside /tmp or the sandbox mount.
func Dangerous(output string) []string {
	var warnings []string
	for _, p := range escalationPatterns {
		if p.re.MatchString(output) {
			warnings = append(warnings, "dangerous: "+p.name)
		}
	}
	for _, m := range recursiveDeleteRe.FindAllStringSubmatch(output, -1) {
		if !strings.ContainsAny(m[1], "rR") {
			continue
		}
		target := m[2]
		if underAny(target, "/tmp", mountPoint) {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("dangerous: recursive delete of %s", target))
	}
	return warnings
}

func underAny(p string, roots ...string) bool {
	for _, root := range roots {
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

// limitedWriter caps how much is buffered and silently discards the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
