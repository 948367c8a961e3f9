package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"mawney.org/sentinel/internal/secerr"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", secerr.ErrInvalidInput, MinPasswordLength)
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return "", fmt.Errorf("%w: password must be at most 72 bytes", secerr.ErrInvalidInput)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
