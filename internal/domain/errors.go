package domain

import "errors"

// ErrNotFound indicates that the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")
