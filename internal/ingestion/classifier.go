// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingestion

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/traylinx/chronicle/internal/types"
)

// Signature is one classification rule. Rules are tried from the highest
// priority down and the first match wins.
type Signature struct {
	Pattern  *regexp.Regexp
	Priority types.Priority
}

// DefaultSignatures ranks critical keywords above generic errors above warnings.
var DefaultSignatures = []Signature{
	{regexp.MustCompile(`(?i)\b(panic|fatal|segfault|segmentation fault|kernel|oom|oom-killer|out of memory|core dumped)\b`), types.PriorityCritical},
	{regexp.MustCompile(`(?i)\b(error|err|exception|failed|failure|traceback)\b`), types.PriorityError},
	{regexp.MustCompile(`(?i)\b(warn|warning)\b`), types.PriorityWarn},
}

var typedErrorRe = regexp.MustCompile(`\b([A-Z][A-Za-z0-9]*(?:Error|Exception))\b`)

// Classifier turns raw log lines into failure events.
type Classifier struct {
	signatures []Signature
	now        func() time.Time
}

// NewClassifier creates a classifier. With no signatures the defaults apply.
func NewClassifier(signatures ...Signature) *Classifier {
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	return &Classifier{signatures: signatures, now: time.Now}
}

// Classify returns the event for line, or false when the line is not a failure.
func (c *Classifier) Classify(source, line string) (types.FailureEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.FailureEvent{}, false
	}

	text := line
	var priority types.Priority
	if strings.HasPrefix(line, "{") && gjson.Valid(line) {
		text, priority = c.fromJSON(line)
	}
	if priority == 0 {
		priority = c.match(text)
	}
	if priority <= 0 {
		return types.FailureEvent{}, false
	}

	return types.FailureEvent{
		ID:         uuid.NewString(),
		Source:     source,
		Origin:     types.OriginLog,
		ErrorType:  errorType(text, priority),
		Raw:        text,
		Severity:   priority.Severity(),
		Priority:   priority,
		DetectedAt: c.now(),
	}, true
}

// fromJSON extracts the message and level of a structured log line.
func (c *Classifier) fromJSON(line string) (string, types.Priority) {
	res := gjson.GetMany(line, "level", "severity", "msg", "message", "error", "err")
	level := strings.ToLower(firstString(res[0], res[1]))
	msg := firstString(res[2], res[3])
	errMsg := firstString(res[4], res[5])

	text := msg
	if errMsg != "" {
		if text != "" {
			text += ": "
		}
		text += errMsg
	}
	if text == "" {
		text = line
	}

	switch level {
	case "panic", "fatal", "critical", "crit", "emerg", "alert":
		return text, types.PriorityCritical
	case "error", "err":
		if p := c.match(text); p == types.PriorityCritical {
			return text, p
		}
		return text, types.PriorityError
	case "warn", "warning":
		if p := c.match(text); p > types.PriorityWarn {
			return text, p
		}
		return text, types.PriorityWarn
	case "info", "debug", "trace":
		if errMsg == "" {
			return text, -1
		}
	}
	if errMsg != "" {
		return text, max(types.PriorityError, c.match(text))
	}
	return text, 0
}

func (c *Classifier) match(text string) types.Priority {
	for _, s := range c.signatures {
		if s.Pattern.MatchString(text) {
			return s.Priority
		}
	}
	return 0
}

func firstString(results ...gjson.Result) string {
	for _, r := range results {
		if r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// errorType names the event's error: an explicit FooError in the text wins,
// then the repair kind inferred from the text, then the priority tier.
func errorType(text string, p types.Priority) string {
	if m := typedErrorRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	switch types.KindOf("", text) {
	case types.KindTimeout:
		return "TimeoutError"
	case types.KindConnection:
		return "ConnectionError"
	case types.KindFileMissing:
		return "FileNotFoundError"
	case types.KindPermission:
		return "PermissionError"
	case types.KindMemory:
		return "MemoryError"
	case types.KindConfiguration:
		return "ConfigurationError"
	}
	switch p {
	case types.PriorityCritical:
		return "CriticalError"
	case types.PriorityWarn:
		return "LogWarning"
	default:
		return "LogError"
	}
}

// sourceFor names the service a log file belongs to: the project directory
// for projects/<name>/logs/*.log, otherwise the file name without extension.
func sourceFor(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := len(parts) - 2; i >= 1; i-- {
		if parts[i] == "logs" {
			return parts[i-1]
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
