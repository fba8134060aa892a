package main

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/vmm"
)

// Runner executes script steps against one manager, carrying saved variables between steps
type Runner struct {
	manager     *vmm.Manager
	descriptors *files.Descriptors
	vars        map[string]uint64
}

// Result is the outcome of one executed step
type Result struct {
	Step   int
	Op     string
	Errno  string
	Value  uint64
	Detail string
}

func NewRunner(manager *vmm.Manager, descriptors *files.Descriptors) *Runner {
	return &Runner{
		manager:     manager,
		descriptors: descriptors,
		vars:        make(map[string]uint64),
	}
}

// Var returns the value saved under name
func (r *Runner) Var(name string) (uint64, bool) {
	value, ok := r.vars[name]
	return value, ok
}

// Run executes steps in order and stops at the first step whose errno differs from the one it
// expects. The results of every executed step are returned.
func (r *Runner) Run(steps []Step) ([]Result, error) {
	results := make([]Result, 0, len(steps))

	for index, step := range steps {
		operation, ok := operations[step.Op]
		if !ok {
			return results, errors.Mark(errors.Newf("step %d: unknown op %q", index, step.Op), errScript)
		}

		args := &arguments{values: step.Args, vars: r.vars}
		value, detail, err := operation(r, args)
		if args.err != nil {
			return results, errors.Wrapf(args.err, "step %d (%s)", index, step.Op)
		}
		if errors.Is(err, errScript) {
			return results, errors.Wrapf(err, "step %d (%s)", index, step.Op)
		}

		result := Result{
			Step:   index,
			Op:     step.Op,
			Errno:  memutils.Errno(err),
			Value:  value,
			Detail: detail,
		}
		results = append(results, result)

		expect := step.Expect
		if expect == "" {
			expect = memutils.Errno(nil)
		}
		if result.Errno != expect {
			if err == nil {
				return results, errors.Newf("step %d (%s): expected %s, succeeded", index, step.Op, expect)
			}
			return results, errors.Wrapf(err, "step %d (%s): expected %s, got %s", index, step.Op, expect, result.Errno)
		}

		if err == nil && step.Save != "" {
			r.vars[step.Save] = value
		}
	}

	return results, nil
}

// PrintResults writes one line per result
func PrintResults(w io.Writer, results []Result) {
	for _, result := range results {
		fmt.Fprintf(w, "%3d %-28s %-7s %#x", result.Step, result.Op, result.Errno, result.Value)
		if result.Detail != "" {
			fmt.Fprintf(w, " %s", result.Detail)
		}
		fmt.Fprintln(w)
	}
}
