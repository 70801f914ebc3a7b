// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package risk scores proposed write, execute and delete operations.
//
// A score is the sum of an operation weight, a path sensitivity weight and the
// weights of every red flag found in the script. All weights come from
// configuration; the score is mapped to a LOW/MEDIUM/HIGH/CRITICAL level.
package risk

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

// Assessment is the result of scoring one operation.
type Assessment struct {
	Score            int             `json:"score"`
	Level            types.RiskLevel `json:"level"`
	OperationWeight  int             `json:"operation_weight"`
	PathWeight       int             `json:"path_weight"`
	ScriptWeight     int             `json:"script_weight"`
	RedFlags         []string        `json:"red_flags,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
}

type redFlag struct {
	pattern string
	re      *regexp.Regexp
	weight  int
}

// Scorer computes risk assessments. It is immutable and safe for concurrent use.
type Scorer struct {
	opWeights     map[string]int
	defaultWeight int
	paths         map[string]int
	flags         []redFlag
	medium        int
	high          int
	critical      int
	approvalLevel types.RiskLevel
}

var absPathRe = regexp.MustCompile(`(?:^|[\s'"=:])(/[A-Za-z0-9._\-/]+)`)

// NewScorer compiles the configured weights. Negative weights are treated as zero.
func NewScorer(cfg config.RiskConfig) (*Scorer, error) {
	s := &Scorer{
		opWeights:     make(map[string]int, len(cfg.OperationWeights)),
		defaultWeight: max(cfg.DefaultOperationWeight, 0),
		paths:         make(map[string]int, len(cfg.SensitivePaths)),
		medium:        cfg.MediumThreshold,
		high:          cfg.HighThreshold,
		critical:      cfg.CriticalThreshold,
		approvalLevel: types.ParseRiskLevel(cfg.ApprovalLevel),
	}
	for op, w := range cfg.OperationWeights {
		s.opWeights[strings.ToLower(op)] = max(w, 0)
	}
	for p, w := range cfg.SensitivePaths {
		s.paths[path.Clean(p)] = max(w, 0)
	}
	for pattern, w := range cfg.RedFlags {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("risk: invalid red flag %q: %w", pattern, err)
		}
		s.flags = append(s.flags, redFlag{pattern: pattern, re: re, weight: max(w, 0)})
	}
	// Deterministic evaluation order for reporting.
	sort.Slice(s.flags, func(i, j int) bool { return s.flags[i].pattern < s.flags[j].pattern })
	return s, nil
}

// Assess scores an operation against a target path and optional script content.
// Absolute paths referenced by the script also count toward path sensitivity.
func (s *Scorer) Assess(operation, targetPath, script string) Assessment {
	a := Assessment{}

	op := strings.ToLower(strings.TrimSpace(operation))
	if w, ok := s.opWeights[op]; ok {
		a.OperationWeight = w
	} else {
		a.OperationWeight = s.defaultWeight
	}

	a.PathWeight = s.pathWeight(targetPath)
	for _, m := range absPathRe.FindAllStringSubmatch(script, -1) {
		if w := s.pathWeight(m[1]); w > a.PathWeight {
			a.PathWeight = w
		}
	}

	for _, f := range s.flags {
		if f.re.MatchString(script) {
			a.ScriptWeight += f.weight
			a.RedFlags = append(a.RedFlags, f.pattern)
		}
	}

	a.Score = a.OperationWeight + a.PathWeight + a.ScriptWeight
	a.Level = s.Level(a.Score)
	a.RequiresApproval = a.Level.Rank() >= s.approvalLevel.Rank()
	return a
}

// Level maps a numeric score onto a risk level.
func (s *Scorer) Level(score int) types.RiskLevel {
	switch {
	case score >= s.critical:
		return types.RiskCritical
	case score >= s.high:
		return types.RiskHigh
	case score >= s.medium:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// RequiresApproval reports whether a level needs a human decision.
func (s *Scorer) RequiresApproval(level types.RiskLevel) bool {
	return level.Rank() >= s.approvalLevel.Rank()
}

// pathWeight returns the weight of the longest configured prefix of p.
func (s *Scorer) pathWeight(p string) int {
	if p == "" {
		return 0
	}
	p = path.Clean(p)
	best, bestLen := 0, -1
	for prefix, w := range s.paths {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			if len(prefix) > bestLen {
				best, bestLen = w, len(prefix)
			}
		}
	}
	return best
}
