package utils

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicateID is returned when every generated UUID collided.
var ErrDuplicateID = errors.New("duplicate ID generated")

var ErrInvalidUUID = errors.New("invalid UUID format")

func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeUUID trims and lowercases s, rejecting anything that is not a UUID.
func NormalizeUUID(s string) (string, error) {
	normalized := strings.TrimSpace(strings.ToLower(s))
	if !IsValidUUID(normalized) {
		return "", ErrInvalidUUID
	}
	return normalized, nil
}

// GenerateUniqueID returns a UUID not yet present in table.column.
func GenerateUniqueID(db *gorm.DB, table, column string) (string, error) {
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		id := uuid.NewString()
		var count int64
		if err := db.Table(table).Where(column+" = ?", id).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", ErrDuplicateID
}
