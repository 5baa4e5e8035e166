package update

import (
	"encoding/json"
	"math"
	"strconv"
)

// Atomic update operators. A field whose value is a single-key map naming
// one of them updates the stored field instead of replacing it.
const (
	opSet = "set"
	opAdd = "add"
	opInc = "inc"
)

func atomicOp(v any) (op string, arg any, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 1 {
		return "", nil, false
	}
	for k, a := range m {
		switch k {
		case opSet, opAdd, opInc:
			return k, a, true
		}
	}
	return "", nil, false
}

// IsAtomic reports whether doc carries any field update operator.
func IsAtomic(doc Document) bool {
	for _, v := range doc {
		if _, _, ok := atomicOp(v); ok {
			return true
		}
	}
	return false
}

// MergeAtomic applies the operators of update to a copy of stored. Plain
// fields of update replace the stored ones; _version_ is left to the caller.
func MergeAtomic(stored, update Document) (Document, error) {
	out := stored.Clone()
	if out == nil {
		out = Document{}
	}
	for field, v := range update {
		if field == VersionField {
			continue
		}
		op, arg, ok := atomicOp(v)
		if !ok {
			out[field] = v
			continue
		}
		if field == IDField {
			return nil, badRequest("atomic update of %s is not allowed", IDField)
		}
		switch op {
		case opSet:
			if arg == nil {
				delete(out, field)
			} else {
				out[field] = arg
			}
		case opAdd:
			out[field] = appendValues(out[field], arg)
		case opInc:
			sum, err := increment(out[field], arg)
			if err != nil {
				return nil, badRequest("inc %s: %v", field, err)
			}
			out[field] = sum
		}
	}
	out[IDField] = update[IDField]
	return out, nil
}

func appendValues(cur, arg any) any {
	var vals []any
	switch c := cur.(type) {
	case nil:
	case []any:
		vals = append(vals, c...)
	default:
		vals = append(vals, c)
	}
	if a, ok := arg.([]any); ok {
		vals = append(vals, a...)
	} else {
		vals = append(vals, arg)
	}
	return vals
}

// increment adds arg to cur. The result is an integer when both operands
// are integral and a float otherwise. An absent field starts from arg.
func increment(cur, arg any) (any, error) {
	ai, aInt, af, err := number(arg)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		if aInt {
			return ai, nil
		}
		return af, nil
	}
	ci, cInt, cf, err := number(cur)
	if err != nil {
		return nil, err
	}
	if aInt && cInt {
		return ci + ai, nil
	}
	return cf + af, nil
}

func number(v any) (i int64, isInt bool, f float64, err error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true, float64(i), nil
		}
		f, err := n.Float64()
		return 0, false, f, err
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true, float64(i), nil
		}
		f, err := strconv.ParseFloat(n, 64)
		return 0, false, f, err
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true, n, nil
		}
		return 0, false, n, nil
	case float32:
		return 0, false, float64(n), nil
	default:
		if i, ok := toInt64(v); ok {
			return i, true, float64(i), nil
		}
		return 0, false, 0, strconv.ErrSyntax
	}
}
