package vm

import (
	"fmt"
	"io"
)

// AgeTable records the bytes that survived a scavenge at each age. It is
// cleared at the start of every scavenge and consulted once at its end to
// pick the next tenuring threshold.
type AgeTable struct {
	sizes [MaxAge + 1]uint64
}

// Clear zeroes every age.
func (t *AgeTable) Clear() {
	t.sizes = [MaxAge + 1]uint64{}
}

// Add accounts bytes to age.
func (t *AgeTable) Add(age int, bytes uint64) {
	assert(age >= 0 && age <= MaxAge, "age %d out of range", age)
	t.sizes[age] += bytes
}

// Size returns the bytes recorded at exactly age.
func (t *AgeTable) Size(age int) uint64 {
	return t.sizes[age]
}

// TenureSize returns the bytes of all ages >= age.
func (t *AgeTable) TenureSize(age int) uint64 {
	var total uint64
	for a := max(age, 0); a <= MaxAge; a++ {
		total += t.sizes[a]
	}
	return total
}

// TenuringThreshold returns the first age at which the bytes accumulated from
// age 1 exceed budget, or MaxAge if the survivors fit. Objects whose age has
// reached the threshold are promoted by the next scavenge.
func (t *AgeTable) TenuringThreshold(budget uint64) int {
	var total uint64
	for age := 1; age <= MaxAge; age++ {
		total += t.sizes[age]
		if total > budget {
			return age
		}
	}
	return MaxAge
}

// Print writes the non-empty ages with their cumulative totals.
func (t *AgeTable) Print(w io.Writer) {
	var total uint64
	for age := 1; age <= MaxAge; age++ {
		if t.sizes[age] == 0 {
			continue
		}
		total += t.sizes[age]
		fmt.Fprintf(w, "- age %3d: %10d bytes, %10d total\n", age, t.sizes[age], total)
	}
}
