package storage

import "errors"

// ErrCorruptSnapshot is returned when the snapshot file cannot be parsed.
var ErrCorruptSnapshot = errors.New("corrupt snapshot file")

// ErrDuplicateResult is returned when a trade result is booked twice.
var ErrDuplicateResult = errors.New("result already recorded")
