package token

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
)

// SecureToken generates a unique random token.
// Base58 of length 24 carries ~140 bits of entropy, above the 128-bit floor
// required for an unguessable credential.
func SecureToken(length int) string {
	const base58 = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	pass := make([]byte, length)
	max := big.NewInt(int64(len(base58)))

	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // should never occured because max >= 0
		}
		pass[i] = base58[int(n.Int64())]
	}

	return string(pass)
}

// SecureCompare compares the givens strings in a constant time.
// So length info is not leaked via timing attacks.
func SecureCompare(s1, s2 string) bool {
	return subtle.ConstantTimeCompare([]byte(s1), []byte(s2)) == 1
}
