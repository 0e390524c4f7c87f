package domain

import "math/big"

// ResourceSet is one conjunctive bundle of named, non-negative rational
// quantities. A task's RequiredResources is a disjunction over such sets:
// any one of them being satisfiable is enough to run the task.
type ResourceSet map[string]*big.Rat

// Clone returns a deep copy so that scaling one copy (fan-out, §4.7) never
// affects the declared task it was copied from.
func (rs ResourceSet) Clone() ResourceSet {
	if rs == nil {
		return nil
	}
	out := make(ResourceSet, len(rs))
	for name, amount := range rs {
		out[name] = new(big.Rat).Set(amount)
	}
	return out
}

// ScaleBy returns a new ResourceSet with every amount multiplied by factor,
// exactly (no floating point), used when dividing a fan-out task's
// resources by its unit count.
func (rs ResourceSet) ScaleBy(factor *big.Rat) ResourceSet {
	out := make(ResourceSet, len(rs))
	for name, amount := range rs {
		out[name] = new(big.Rat).Mul(amount, factor)
	}
	return out
}

// CloneResourceSets deep-copies a slice of ResourceSet, preserving order.
func CloneResourceSets(sets []ResourceSet) []ResourceSet {
	out := make([]ResourceSet, len(sets))
	for i, s := range sets {
		out[i] = s.Clone()
	}
	return out
}
