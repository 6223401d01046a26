package domain

import "errors"

// ErrNotFound is returned when a job id is unknown or already evicted.
var ErrNotFound = errors.New("not found")
