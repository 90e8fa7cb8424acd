package repo

import "errors"

var (
	// ErrUnknownVariant is returned when a record references a variant other than A or B.
	ErrUnknownVariant = errors.New("repo: unknown experiment variant")
	// ErrDuplicateExperiment is returned when an experiment id is reused.
	ErrDuplicateExperiment = errors.New("repo: duplicate experiment id")
)
