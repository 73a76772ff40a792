package query

import (
	"fmt"
	"math"

	"github.com/maxpert/livedata/document"
)

type point struct{ x, y float64 }

// compileGeoWithin supports flat $box and $center shapes. Points are stored
// either as [x, y] or as an object whose first two fields are numeric.
func compileGeoWithin(operand document.Value) (valuePredicate, error) {
	shape, ok := operand.(*document.Document)
	if !ok || shape.Len() != 1 {
		return nil, fmt.Errorf("$geoWithin needs a single shape")
	}
	kind := shape.Keys()[0]
	spec, _ := shape.Get(kind)
	switch kind {
	case "$box":
		corners, ok := spec.(document.Array)
		if !ok || len(corners) != 2 {
			return nil, fmt.Errorf("$box needs two corners")
		}
		lo, ok1 := toPoint(corners[0])
		hi, ok2 := toPoint(corners[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("$box corners must be points")
		}
		minX, maxX := math.Min(lo.x, hi.x), math.Max(lo.x, hi.x)
		minY, maxY := math.Min(lo.y, hi.y), math.Max(lo.y, hi.y)
		return geoPredicate(func(p point) bool {
			return p.x >= minX && p.x <= maxX && p.y >= minY && p.y <= maxY
		}), nil
	case "$center":
		arr, ok := spec.(document.Array)
		if !ok || len(arr) != 2 {
			return nil, fmt.Errorf("$center needs [point, radius]")
		}
		c, ok1 := toPoint(arr[0])
		r, ok2 := document.ToFloat(arr[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("$center needs [point, radius]")
		}
		return geoPredicate(func(p point) bool {
			return math.Hypot(p.x-c.x, p.y-c.y) <= r
		}), nil
	}
	return nil, unsupported("geo shape %s", kind)
}

func geoPredicate(inside func(point) bool) valuePredicate {
	return func(values []document.Value) bool {
		for _, v := range values {
			if p, ok := toPoint(v); ok && inside(p) {
				return true
			}
		}
		return false
	}
}

func toPoint(v document.Value) (point, bool) {
	var coords []document.Value
	switch t := v.(type) {
	case document.Array:
		coords = t
	case *document.Document:
		t.Range(func(_ string, fv document.Value) bool {
			coords = append(coords, fv)
			return len(coords) < 2
		})
	}
	if len(coords) < 2 {
		return point{}, false
	}
	x, ok1 := document.ToFloat(coords[0])
	y, ok2 := document.ToFloat(coords[1])
	return point{x, y}, ok1 && ok2
}
