package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the bcrypt cost factor used for password hashing.
const bcryptCost = 12

// passwordAlphabet omits characters that are easy to misread in an email.
const passwordAlphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const defaultPasswordLength = 16

// PasswordIssuer generates one-time passwords for provisioned owners. The
// plain value goes into the welcome email; only the bcrypt hash is stored.
type PasswordIssuer struct {
	Length int
	Cost   int
}

// NewPasswordIssuer returns an issuer with the production length and cost.
func NewPasswordIssuer() *PasswordIssuer {
	return &PasswordIssuer{Length: defaultPasswordLength, Cost: bcryptCost}
}

// Issue returns a random password and its bcrypt hash.
func (p *PasswordIssuer) Issue() (string, string, error) {
	n := p.Length
	if n <= 0 {
		n = defaultPasswordLength
	}
	cost := p.Cost
	if cost == 0 {
		cost = bcryptCost
	}

	buf := make([]byte, n)
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordAlphabet[idx.Int64()]
	}
	plain := string(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash password: %w", err)
	}
	return plain, string(hash), nil
}

// CheckPassword reports whether plain matches a stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
