package frame

import "fmt"

// Labels holds one class label per sample, aligned by position to a frame's index.
type Labels []string

// Classes returns the sorted distinct labels. This ordering is fixed at fit time
// and reused to align probability columns at inference.
func (y Labels) Classes() []string {
	return SortedUnique(y)
}

// Subset returns the labels at the given positions.
func (y Labels) Subset(idx []int) Labels {
	if y == nil {
		return nil
	}
	out := make(Labels, len(idx))
	for k, i := range idx {
		out[k] = y[i]
	}
	return out
}

// Counts returns the number of samples per label.
func (y Labels) Counts() map[string]int {
	m := make(map[string]int)
	for _, l := range y {
		m[l]++
	}
	return m
}

// CheckAligned verifies that y has one label per row of X.
func CheckAligned(X *Frame, y Labels) error {
	if y != nil && len(y) != X.NRows() {
		return fmt.Errorf("labels: got %d labels for %d samples", len(y), X.NRows())
	}
	return nil
}
