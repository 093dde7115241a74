package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

var (
	decoyOnce sync.Once
	decoyHash []byte
)

// HashAgentPassword hashes an agent password. Costs outside bcrypt's range
// fall back to bcrypt.DefaultCost.
func HashAgentPassword(password string, cost int) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", bcrypt.ErrPasswordTooLong
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyAgentPassword checks plain against hashed. Any failure, including a
// malformed hash, is reported as ErrPasswordMismatch.
func VerifyAgentPassword(hashed, plain string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// BurnPasswordCheck runs a comparison against a throwaway hash so logins for
// unknown emails take as long as logins with a wrong password.
func BurnPasswordCheck(plain string) {
	decoyOnce.Do(func() {
		decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(plain))
}
