package models

import "errors"

// ErrValidation marks input rejected before any state was mutated.
var ErrValidation = errors.New("validation failed")
