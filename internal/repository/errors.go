package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check for this explicitly using errors.Is
// to distinguish missing records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is what translate maps gorm.ErrDuplicatedKey to. Only the
// read paths go through translate; the write methods (Insert, Update,
// Upsert, SetStatus, SetActive, Touch, ...) wrap driver errors directly and
// do not return ErrConflict.
var ErrConflict = errors.New("record already exists")
