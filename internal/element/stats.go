package element

import "math"

// MaxIDVisitor tracks the largest id seen per kind
type MaxIDVisitor struct {
	max map[Kind]int64
}

func NewMaxIDVisitor() *MaxIDVisitor {
	return &MaxIDVisitor{max: make(map[Kind]int64, len(Kinds))}
}

func (v *MaxIDVisitor) Visit(e Element) {
	id := e.ElementID()
	if cur, ok := v.max[id.Kind]; !ok || id.Ref > cur {
		v.max[id.Kind] = id.Ref
	}
}

// Max returns the largest id of kind k, or math.MinInt64 when none was seen
func (v *MaxIDVisitor) Max(k Kind) int64 {
	if id, ok := v.max[k]; ok {
		return id
	}
	return math.MinInt64
}
