// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
)

// Filter is a compiled boolean expression deciding which messages are
// persisted. Expressions see direction ("in"/"out"), emsg, name and size,
// e.g. `direction == "out" && emsg != 703`.
type Filter struct {
	source  string
	program *vm.Program
}

func filterEnv(direction string, emsg int, name string, size int) map[string]interface{} {
	return map[string]interface{}{
		"direction": direction,
		"emsg":      emsg,
		"name":      name,
		"size":      size,
	}
}

// CompileFilter compiles src. An empty src yields a nil filter, which
// matches everything.
func CompileFilter(src string) (*Filter, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(filterEnv("", 0, "", 0)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile capture filter %q: %w", src, err)
	}
	return &Filter{source: src, program: program}, nil
}

// String returns the expression source.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the filter for rec. A nil filter matches.
func (f *Filter) Match(rec *dispatch.Record) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, filterEnv(rec.Direction.String(), int(rec.EMsg), rec.Name, rec.Size))
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
