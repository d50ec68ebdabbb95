package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// translate maps a raw gorm error to the repository's sentinel errors,
// wrapping anything else with op for context.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}
