package document

import "strings"

// typeOrder follows the cross-type ordering of MongoDB sort:
// null < numbers < strings < objects < arrays < booleans.
func typeOrder(v Value) int {
	switch v.(type) {
	case nil, Null:
		return 0
	case Int, Float:
		return 1
	case String:
		return 2
	case *Document:
		return 3
	case Array:
		return 4
	case Bool:
		return 5
	}
	return 6
}

// Compare returns -1, 0 or 1. A nil Value (missing field) orders like Null.
func Compare(a, b Value) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return cmpInt(ta, tb)
	}
	switch av := a.(type) {
	case Int:
		if bv, ok := b.(Int); ok {
			return cmpInt64(int64(av), int64(bv))
		}
		return compareFloat(float64(av), b)
	case Float:
		return compareFloat(float64(av), b)
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Array:
		bv := b.(Array)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(av), len(bv))
	case *Document:
		bv := b.(*Document)
		ak, bk := av.Keys(), bv.Keys()
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(av.values[ak[i]], bv.values[bk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(ak), len(bk))
	}
	return 0
}

func compareFloat(a float64, b Value) int {
	bf, _ := ToFloat(b)
	switch {
	case a < bf:
		return -1
	case a > bf:
		return 1
	}
	return 0
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports structural equality. Numbers compare by value across Int and
// Float; object equality ignores field order.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Int, Float:
		if !IsNumber(b) {
			return false
		}
		return Compare(a, b) == 0
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Document:
		bv, ok := b.(*Document)
		if !ok {
			return false
		}
		if av == nil || bv == nil {
			return av.Len() == bv.Len()
		}
		if len(av.keys) != len(bv.keys) {
			return false
		}
		for k, v := range av.values {
			ov, ok := bv.values[k]
			if !ok || !Equal(v, ov) {
				return false
			}
		}
		return true
	}
	return false
}

// SameKind reports whether a and b fall into the same sort bracket, which is
// the precondition for range comparisons in selectors.
func SameKind(a, b Value) bool {
	return typeOrder(a) == typeOrder(b)
}
