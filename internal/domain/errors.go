package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidURL         = errors.New("invalid url")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateSave      = errors.New("content already saved by user")
	ErrNotResubmittable   = errors.New("content is not in FAILED state")
	ErrCategoryImmutable  = errors.New("content category already set")
	ErrCategoryMismatch   = errors.New("save does not belong to partition category")
	ErrInvalidCategory    = errors.New("invalid category")
)
