package docstore

import (
	"math"
	"reflect"
	"sort"
)

// Update operators, with the semantics of their MongoDB namesakes.
const (
	OpSet   = "$set"
	OpUnset = "$unset"
	OpInc   = "$inc"
	OpPush  = "$push"
	OpPull  = "$pull"
)

// applyOrder is the canonical order operators are applied in, so a mixed
// Operations value behaves the same on every run and on every backend.
var applyOrder = []string{OpSet, OpUnset, OpInc, OpPush, OpPull}

// Operations maps an update operator to its field-path edits, e.g.
//
//	Operations{OpSet: {"playlist.201.name": "Road Trip"}}
type Operations map[string]map[string]any

// Validate rejects any operator name outside the supported set. It never
// inspects operands; operand errors surface during Apply.
func (ops Operations) Validate() error {
	for op := range ops {
		switch op {
		case OpSet, OpUnset, OpInc, OpPush, OpPull:
		default:
			return wrapValidation("unknown update operator %q", op)
		}
	}
	return nil
}

// SetDocument builds a flat document from the $set edits, resolving dotted
// paths into nested objects. Used to seed upserted documents.
func (ops Operations) SetDocument() Document {
	doc := Document{}
	for path, value := range ops[OpSet] {
		parent, field, _, err := descend(doc, path, true)
		if err != nil {
			continue
		}
		parent[field] = cloneValue(value)
	}
	return doc
}

// Apply mutates doc in place according to the update operators. Edits are
// applied operator by operator in canonical order, paths sorted within each
// operator. The first failing edit stops the run, leaving doc partially
// mutated; callers that need consistency must discard doc on error.
func Apply(doc Document, ops Operations) error {
	if err := ops.Validate(); err != nil {
		return err
	}
	for _, op := range applyOrder {
		edits, ok := ops[op]
		if !ok {
			continue
		}
		paths := make([]string, 0, len(edits))
		for path := range edits {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			if err := applyEdit(doc, op, path, edits[path]); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyEdit(doc Document, op, path string, operand any) error {
	// $set, $inc and $push materialize missing intermediate objects the
	// way MongoDB does; $unset and $pull are no-ops on a missing path.
	create := op == OpSet || op == OpInc || op == OpPush

	parent, field, ok, err := descend(doc, path, create)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch op {
	case OpSet:
		parent[field] = cloneValue(operand)

	case OpUnset:
		delete(parent, field)

	case OpInc:
		cur, exists := parent[field]
		if !exists {
			cur = int64(0)
		}
		sum, err := addNumeric(cur, operand)
		if err != nil {
			return wrapValidation("cannot increment field %q: %v", path, err)
		}
		parent[field] = sum

	case OpPush:
		cur, exists := parent[field]
		if !exists {
			cur = []any{}
		}
		arr, isList := cur.([]any)
		if !isList {
			return wrapValidation("cannot push to non-sequence field %q", path)
		}
		pushed, err := pushInto(arr, operand)
		if err != nil {
			return wrapValidation("cannot push to field %q: %v", path, err)
		}
		parent[field] = pushed

	case OpPull:
		cur, exists := parent[field]
		if !exists {
			return nil
		}
		arr, isList := cur.([]any)
		if !isList {
			return wrapValidation("cannot pull from non-sequence field %q", path)
		}
		parent[field] = pullFrom(arr, operand)
	}
	return nil
}

// pushInto appends operand to arr. A map operand carrying "$each" extends
// the sequence with every listed item; "$slice" then truncates the result
// (positive n keeps the newest n items, negative n keeps the first |n|).
func pushInto(arr []any, operand any) ([]any, error) {
	mods, isMap := asMap(operand)
	if !isMap || mods["$each"] == nil {
		return append(arr, cloneValue(operand)), nil
	}

	each, isList := mods["$each"].([]any)
	if !isList {
		return nil, errInvalidEach
	}
	for _, item := range each {
		arr = append(arr, cloneValue(item))
	}

	if raw, hasSlice := mods["$slice"]; hasSlice {
		n, isInt := ToInt64(raw)
		if !isInt {
			return nil, errInvalidSlice
		}
		arr = sliceSeq(arr, int(n))
	}
	return arr, nil
}

// sliceSeq keeps the last n items for n >= 0 and the first |n| for n < 0.
func sliceSeq(arr []any, n int) []any {
	if n >= 0 {
		if len(arr) > n {
			return arr[len(arr)-n:]
		}
		return arr
	}
	if len(arr) > -n {
		return arr[:-n]
	}
	return arr
}

// pullFrom removes every item matching the operand, or any member of a
// "$in" set, from arr.
func pullFrom(arr []any, operand any) []any {
	targets := []any{operand}
	if mods, isMap := asMap(operand); isMap {
		if in, isList := mods["$in"].([]any); isList {
			targets = in
		}
	}

	kept := make([]any, 0, len(arr))
	for _, item := range arr {
		matched := false
		for _, target := range targets {
			if ValuesEqual(item, target) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, item)
		}
	}
	return kept
}

var (
	errInvalidEach  = validationDetail("$each operand must be a sequence")
	errInvalidSlice = validationDetail("$slice operand must be an integer")
)

type validationDetail string

func (e validationDetail) Error() string { return string(e) }

// addNumeric adds delta to cur. Two integral operands stay integral;
// any float operand promotes the result to float64.
func addNumeric(cur, delta any) (any, error) {
	ci, curIsInt := ToInt64(cur)
	di, deltaIsInt := ToInt64(delta)
	if curIsInt && deltaIsInt {
		return ci + di, nil
	}

	cf, curIsNum := toFloat64(cur)
	df, deltaIsNum := toFloat64(delta)
	if !curIsNum {
		return nil, validationDetail("existing value is not numeric")
	}
	if !deltaIsNum {
		return nil, validationDetail("increment amount is not numeric")
	}
	return cf + df, nil
}

// ToInt64 reports v as an int64 when it holds an integral numeric value.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
		return 0, false
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		if i, ok := ToInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// ValuesEqual compares two document values, treating numerics of different
// widths as equal when their values match (an int pushed by a caller must
// match the int64 or float64 the backend hands back).
func ValuesEqual(a, b any) bool {
	af, aNum := toFloat64(a)
	bf, bNum := toFloat64(b)
	if aNum && bNum {
		return af == bf
	}
	if aNum != bNum {
		return false
	}
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

// normalizeValue flattens Document wrappers and widens nested numerics to
// float64 so DeepEqual compares shape and value, not Go type names. A
// document that went through a JSON round trip still matches the value it
// was built from.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case Document:
		return normalizeValue(map[string]any(val))
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = normalizeValue(item)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = normalizeValue(item)
		}
		return s
	case bool, string, nil:
		return val
	default:
		if f, ok := toFloat64(val); ok {
			return f
		}
		return val
	}
}
