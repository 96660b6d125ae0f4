package auth

import "golang.org/x/crypto/bcrypt"

// defaultBcryptCost matches the cost the legacy service hashed with, so
// existing user documents keep working
const defaultBcryptCost = 10

// Hasher hashes and verifies login passwords
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the default bcrypt cost
func NewHasher() *Hasher {
	return &Hasher{cost: defaultBcryptCost}
}

// Hash generates a bcrypt hash of the given password
func (h *Hasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify reports whether the provided password matches the hash
func (h *Hasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
