package pipeline

import "errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrMissingFeature = errors.New("missing feature")
	ErrSchemaMismatch = errors.New("schema mismatch")
)
