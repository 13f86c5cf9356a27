package token_test

import (
	"regexp"
	"testing"

	"github.com/oncelink/oncelink/internal/token"
	"github.com/stretchr/testify/assert"
)

func TestSecureToken(t *testing.T) {
	assert.Panics(t, func() { token.SecureToken(-1) })
	assert.Len(t, token.SecureToken(24), 24)
	assert.Regexp(t, regexp.MustCompile(`^[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]+$`), token.SecureToken(24))

	n := 8192
	h := make(map[string]bool, 0)
	for i := 0; i < n; i++ {
		h[token.SecureToken(24)] = true
	}
	assert.Len(t, h, n, "tokens must be unique")
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, token.SecureCompare("123456789", "123456789"))
	assert.False(t, token.SecureCompare("123456789", "123456780"))
}
