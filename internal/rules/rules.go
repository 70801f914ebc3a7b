// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rules evaluates boolean policy expressions written in expr-lang.
//
// Expressions see a flat environment map, for example:
//
//	severity == "critical" && source startsWith "db-"
//	risk in ["LOW", "MEDIUM"] && confidence > 0.8
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

// Set is a list of compiled boolean expressions. Compiled programs are cached
// so identical expressions across sets compile once.
type Set struct {
	sources  []string
	programs []*vm.Program
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*vm.Program)
)

func compile(source string) (*vm.Program, error) {
	cacheMu.RLock()
	program, ok := cache[source]
	cacheMu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[source] = program
	cacheMu.Unlock()
	return program, nil
}

// Compile builds a Set, failing on the first invalid expression.
func Compile(sources ...string) (*Set, error) {
	s := &Set{}
	for _, src := range sources {
		if src == "" {
			continue
		}
		program, err := compile(src)
		if err != nil {
			return nil, fmt.Errorf("rules: invalid expression %q: %w", src, err)
		}
		s.sources = append(s.sources, src)
		s.programs = append(s.programs, program)
	}
	return s, nil
}

// Empty reports whether the set has no expressions.
func (s *Set) Empty() bool {
	return s == nil || len(s.programs) == 0
}

// Any returns the first expression that evaluates true. Evaluation errors are
// logged and treated as false.
func (s *Set) Any(env map[string]any) (string, bool) {
	if s.Empty() {
		return "", false
	}
	for i, program := range s.programs {
		out, err := expr.Run(program, env)
		if err != nil {
			log.WithField("rule", s.sources[i]).Warnf("rules: evaluation failed: %v", err)
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return s.sources[i], true
		}
	}
	return "", false
}
