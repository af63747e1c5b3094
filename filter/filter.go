package filter

import (
	"strconv"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-muc/globals"
)

// AsInt parses a string as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses a string as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// AsIntSlice parses a comma-separated slice of int64s (0 in every unparsable item)
func AsIntSlice(v string) []int64 {
	parts := strings.Split(v, ",")
	res := make([]int64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseInt(part, 0, 64)
		res[i] = val
	}
	return res
}

// AsFloatSlice parses a comma-separated slice of float64s (0.0 in every unparsable item)
func AsFloatSlice(v string) []float64 {
	parts := strings.Split(v, ",")
	res := make([]float64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseFloat(part, 64)
		res[i] = val
	}
	return res
}

// AsStringSlice parses a comma-separated slice of strings
func AsStringSlice(v string) []string {
	return strings.Split(v, ",")
}

// Compile compiles a delivery filter expression against the fixed Env.
func Compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.Env(Env{}))
}

// Run evaluates a compiled filter program. Only a boolean true result
// delivers; evaluation errors and non-boolean results suppress delivery.
func Run(prog *vm.Program, env Env) bool {
	if prog == nil {
		return true
	}
	env.AsInt = AsInt
	env.AsFloat = AsFloat
	env.AsStringSlice = AsStringSlice
	env.AsIntSlice = AsIntSlice
	env.AsFloatSlice = AsFloatSlice
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	if bRes, ok := res.(bool); ok && bRes {
		return true
	}
	return false
}
