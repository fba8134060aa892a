package main

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
)

// errScript marks problems with the script itself, as opposed to errors the manager returned
var errScript = errors.New("script error")

// Step is one operation of a script. Every property other than op, expect and save is an
// argument of the operation.
type Step struct {
	Op string
	// Expect is the errno the operation must return. Empty means the operation must succeed.
	Expect string
	// Save names a variable that receives the operation's result
	Save string
	Args map[string]string
}

// ParseScript reads a JSON array of steps, e.g.
//
//	[
//	  {"op": "MapFlexible", "size": "0x10000", "prot": 3, "save": "heap"},
//	  {"op": "Protect", "addr": "$heap+0x4000", "size": "0x4000", "prot": 1},
//	  {"op": "Unmap", "addr": "$heap", "size": 0, "expect": "EINVAL"}
//	]
//
// Numbers may be JSON numbers or strings in any base strconv.ParseUint accepts with base 0.
// Strings starting with $ refer to a saved variable, optionally followed by +offset.
func ParseScript(data []byte) ([]Step, error) {
	r := jreader.NewReader(data)

	var steps []Step
	for arr := r.Array(); arr.Next(); {
		step := Step{Args: make(map[string]string)}

		for obj := r.Object(); obj.Next(); {
			name := string(obj.Name())
			switch name {
			case "op":
				step.Op = r.String()
			case "expect":
				step.Expect = strings.ToUpper(r.String())
			case "save":
				step.Save = r.String()
			default:
				value := r.Any()
				switch value.Kind {
				case jreader.NumberValue:
					step.Args[name] = strconv.FormatFloat(value.Number, 'f', -1, 64)
				case jreader.StringValue:
					step.Args[name] = value.String
				case jreader.BoolValue:
					step.Args[name] = strconv.FormatBool(value.Bool)
				default:
					r.AddError(errors.Newf("step %d: argument %q must be a number, string or bool", len(steps), name))
				}
			}
		}

		if r.Error() == nil && step.Op == "" {
			r.AddError(errors.Newf("step %d has no op", len(steps)))
		}
		steps = append(steps, step)
	}

	if err := r.Error(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid script"), errScript)
	}
	return steps, nil
}

// arguments resolves the arguments of one step. The first failure is kept and every later
// lookup returns zero.
type arguments struct {
	values map[string]string
	vars   map[string]uint64
	err    error
}

func (a *arguments) fail(err error) {
	if a.err == nil {
		a.err = errors.Mark(err, errScript)
	}
}

func (a *arguments) text(name string) string {
	return a.values[name]
}

func (a *arguments) has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// uint64 resolves a numeric argument. Arguments that are left out are zero.
func (a *arguments) uint64(name string) uint64 {
	raw, ok := a.values[name]
	if !ok || a.err != nil {
		return 0
	}

	if strings.HasPrefix(raw, "$") {
		ref, offsetText, hasOffset := strings.Cut(raw[1:], "+")
		base, ok := a.vars[ref]
		if !ok {
			a.fail(errors.Newf("argument %s refers to unknown variable %q", name, ref))
			return 0
		}
		if !hasOffset {
			return base
		}
		offset, err := strconv.ParseUint(offsetText, 0, 64)
		if err != nil {
			a.fail(errors.Wrapf(err, "argument %s", name))
			return 0
		}
		return base + offset
	}

	if strings.HasPrefix(raw, "-") {
		value, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			a.fail(errors.Wrapf(err, "argument %s", name))
			return 0
		}
		return uint64(value)
	}

	value, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		a.fail(errors.Wrapf(err, "argument %s", name))
		return 0
	}
	return value
}

func (a *arguments) int64(name string) int64 {
	return int64(a.uint64(name))
}

func (a *arguments) int32(name string) int32 {
	return int32(a.int64(name))
}
