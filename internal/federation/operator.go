package federation

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
)

const (
	operatorValue      = "value"
	operatorAdd        = "add"
	operatorDefault    = "default"
	operatorOneOf      = "one_of"
	operatorSubsetOf   = "subset_of"
	operatorSupersetOf = "superset_of"
	operatorEssential  = "essential"
)

// operators is the set of policy operators defined for one metadata claim.
type operators struct {
	Value      nullable
	Add        []any
	Default    any
	OneOf      []any
	SubsetOf   []any
	SupersetOf []any
	Essential  bool
	// The slices above are nil when the operator is absent.
	subsetOfSet   bool
	supersetOfSet bool
}

type nullable struct {
	Set   bool
	Value any
}

func parseOperators(raw map[string]any) (operators, error) {
	var ops operators
	for name, v := range raw {
		switch name {
		case operatorValue:
			ops.Value = nullable{Set: true, Value: v}
		case operatorAdd:
			s, ok := toSlice(v)
			if !ok {
				return operators{}, fmt.Errorf("operator %s must be an array", name)
			}
			ops.Add = s
		case operatorDefault:
			ops.Default = v
		case operatorOneOf:
			s, ok := toSlice(v)
			if !ok {
				return operators{}, fmt.Errorf("operator %s must be an array", name)
			}
			ops.OneOf = s
		case operatorSubsetOf:
			s, ok := toSlice(v)
			if !ok {
				return operators{}, fmt.Errorf("operator %s must be an array", name)
			}
			ops.SubsetOf, ops.subsetOfSet = s, true
		case operatorSupersetOf:
			s, ok := toSlice(v)
			if !ok {
				return operators{}, fmt.Errorf("operator %s must be an array", name)
			}
			ops.SupersetOf, ops.supersetOfSet = s, true
		case operatorEssential:
			b, ok := v.(bool)
			if !ok {
				return operators{}, fmt.Errorf("operator %s must be a boolean", name)
			}
			ops.Essential = b
		default:
			// Unknown operators that are not critical are ignored.
		}
	}

	if err := ops.validate(); err != nil {
		return operators{}, err
	}
	return ops, nil
}

func (ops operators) validate() error {
	// Checked in the reverse order of application.
	if err := ops.validateSubsetOf(); err != nil {
		return err
	}

	if err := ops.validateOneOf(); err != nil {
		return err
	}

	if err := ops.validateDefault(); err != nil {
		return err
	}

	if err := ops.validateAdd(); err != nil {
		return err
	}

	if err := ops.validateValue(); err != nil {
		return err
	}

	return nil
}

func (ops operators) validateValue() error {
	if !ops.Value.Set || ops.Value.Value == nil {
		return nil
	}

	if ops.isOneOfSet() && !deepContains(ops.OneOf, ops.Value.Value) {
		return errors.New("value is not one of the allowed values")
	}

	if ops.subsetOfSet || ops.supersetOfSet {
		value, ok := toSlice(ops.Value.Value)
		if !ok {
			return errors.New("value must be an array when combined with subset_of or superset_of")
		}
		if ops.subsetOfSet && !isSubset(value, ops.SubsetOf) {
			return errors.New("value is not a subset of subset_of")
		}
		if ops.supersetOfSet && !isSubset(ops.SupersetOf, value) {
			return errors.New("value is not a superset of superset_of")
		}
	}

	return nil
}

func (ops operators) validateAdd() error {
	if !ops.isAddSet() {
		return nil
	}

	if ops.subsetOfSet && !isSubset(ops.Add, ops.SubsetOf) {
		return errors.New("add is not a subset of subset_of")
	}

	return nil
}

func (ops operators) validateDefault() error {
	if ops.Default == nil {
		return nil
	}

	if ops.isOneOfSet() && !deepContains(ops.OneOf, ops.Default) {
		return errors.New("default is not one of the allowed values")
	}

	return nil
}

func (ops operators) validateOneOf() error {
	if !ops.isOneOfSet() {
		return nil
	}

	if ops.subsetOfSet || ops.supersetOfSet {
		return errors.New("one_of cannot be combined with subset_of or superset_of")
	}

	return nil
}

func (ops operators) validateSubsetOf() error {
	if !ops.subsetOfSet || !ops.supersetOfSet {
		return nil
	}

	if !isSubset(ops.SupersetOf, ops.SubsetOf) {
		return errors.New("superset_of is not a subset of subset_of")
	}

	return nil
}

// apply returns the claim value after the operators ran on it. present
// reports whether the claim stays in the metadata.
func (ops operators) apply(value any, present bool) (any, bool, error) {
	if ops.Value.Set {
		if ops.Value.Value == nil {
			return nil, false, nil
		}
		value, present = ops.Value.Value, true
	}

	if ops.isAddSet() {
		current, ok := toSlice(value)
		if present && !ok {
			return nil, false, errors.New("add applied to a claim that is not an array")
		}
		value, present = mergeSlices(current, ops.Add), true
	}

	if !present && ops.Default != nil {
		value, present = ops.Default, true
	}

	if ops.isOneOfSet() && present && !deepContains(ops.OneOf, value) {
		return nil, false, fmt.Errorf("value %v is not one of %v", value, ops.OneOf)
	}

	if ops.subsetOfSet && present {
		current, ok := toSlice(value)
		if !ok {
			return nil, false, errors.New("subset_of applied to a claim that is not an array")
		}
		value = intersectSlices(current, ops.SubsetOf)
	}

	if ops.supersetOfSet && present {
		current, ok := toSlice(value)
		if !ok || !isSubset(ops.SupersetOf, current) {
			return nil, false, fmt.Errorf("value %v is not a superset of %v", value, ops.SupersetOf)
		}
	}

	if ops.Essential && !present {
		return nil, false, errors.New("essential claim is missing")
	}

	return value, present, nil
}

func (high operators) merge(low operators) (operators, error) {
	var err error

	high.Value, err = high.mergeValue(low)
	if err != nil {
		return operators{}, err
	}

	high.Add = mergeSlices(high.Add, low.Add)

	high.Default, err = high.mergeDefault(low)
	if err != nil {
		return operators{}, err
	}

	high.OneOf, err = high.mergeOneOf(low)
	if err != nil {
		return operators{}, err
	}

	high.SubsetOf, high.subsetOfSet = high.mergeSubsetOf(low)

	high.SupersetOf = mergeSlices(high.SupersetOf, low.SupersetOf)
	high.supersetOfSet = high.supersetOfSet || low.supersetOfSet

	high.Essential = high.Essential || low.Essential

	if err := high.validate(); err != nil {
		return operators{}, err
	}

	return high, nil
}

func (high operators) mergeValue(low operators) (nullable, error) {
	if !high.Value.Set {
		return low.Value, nil
	}

	if !low.Value.Set {
		return high.Value, nil
	}

	if !compare(high.Value.Value, low.Value.Value) {
		return nullable{}, errors.New("conflicting value operators")
	}

	return high.Value, nil
}

func (high operators) mergeDefault(low operators) (any, error) {
	if high.Default == nil {
		return low.Default, nil
	}

	if low.Default == nil {
		return high.Default, nil
	}

	if !compare(high.Default, low.Default) {
		return nil, errors.New("conflicting default operators")
	}

	return high.Default, nil
}

func (high operators) mergeOneOf(low operators) ([]any, error) {
	if !high.isOneOfSet() {
		return low.OneOf, nil
	}

	if !low.isOneOfSet() {
		return high.OneOf, nil
	}

	oneOf := intersectSlices(high.OneOf, low.OneOf)
	if len(oneOf) == 0 {
		return nil, errors.New("one_of operators have no value in common")
	}

	return oneOf, nil
}

func (high operators) mergeSubsetOf(low operators) ([]any, bool) {
	if !high.subsetOfSet {
		return low.SubsetOf, low.subsetOfSet
	}

	if !low.subsetOfSet {
		return high.SubsetOf, true
	}

	return intersectSlices(high.SubsetOf, low.SubsetOf), true
}

func (ops operators) isAddSet() bool {
	return ops.Add != nil
}

func (ops operators) isOneOfSet() bool {
	return ops.OneOf != nil
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}

	if s, ok := v.([]any); ok {
		return s, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}

	s := make([]any, rv.Len())
	for i := range s {
		s[i] = rv.Index(i).Interface()
	}
	return s, true
}

// mergeSlices returns the union of both slices without duplicates. It
// returns nil only if both are nil.
func mergeSlices(s1, s2 []any) []any {
	if s1 == nil && s2 == nil {
		return nil
	}

	result := make([]any, 0, len(s1)+len(s2))
	for _, e := range slices.Concat(s1, s2) {
		if !deepContains(result, e) {
			result = append(result, e)
		}
	}
	return result
}

func intersectSlices(s1, s2 []any) []any {
	result := []any{}
	for _, e := range s1 {
		if deepContains(s2, e) && !deepContains(result, e) {
			result = append(result, e)
		}
	}
	return result
}

// isSubset reports whether every element of s1 is in s2.
func isSubset(s1, s2 []any) bool {
	for _, e := range s1 {
		if !deepContains(s2, e) {
			return false
		}
	}
	return true
}

func deepContains(s []any, e any) bool {
	return slices.ContainsFunc(s, func(se any) bool {
		return reflect.DeepEqual(se, e)
	})
}

func compare(x, y any) bool {
	sx, okX := toSlice(x)
	sy, okY := toSlice(y)
	if okX && okY {
		return len(sx) == len(sy) && isSubset(sx, sy) && isSubset(sy, sx)
	}

	return reflect.DeepEqual(x, y)
}
