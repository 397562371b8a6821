package subject

import (
	"fmt"
)

// Source is an indexable collection of subjects. Get may perform disk I/O
// and apply transforms; a failed Get is a recoverable per-subject error that
// consumers such as the patch queue log and skip.
type Source interface {
	// Len returns the number of subjects.
	Len() int

	// Get returns the subject at index i, loaded and transformed.
	Get(i int) (*Subject, error)
}

// Dataset is a slice-backed Source that applies an optional transform on
// every access, so non-deterministic augmentations resample per epoch.
type Dataset struct {
	subjects  []*Subject
	transform Transform
}

// NewDataset creates a dataset over the given subjects. transform may be
// nil, in which case subjects are returned as stored.
func NewDataset(subjects []*Subject, transform Transform) *Dataset {
	return &Dataset{subjects: subjects, transform: transform}
}

// Len implements Source.
func (d *Dataset) Len() int {
	return len(d.subjects)
}

// Get implements Source.
func (d *Dataset) Get(i int) (*Subject, error) {
	if i < 0 || i >= len(d.subjects) {
		return nil, fmt.Errorf("subject: index %d out of range [0, %d)", i, len(d.subjects))
	}
	s := d.subjects[i]
	if d.transform == nil {
		return s, nil
	}
	out, err := d.transform.Apply(s)
	if err != nil {
		return nil, fmt.Errorf("subject %s: transform: %w", s.ID, err)
	}
	return out, nil
}
