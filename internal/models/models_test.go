package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenPair_Complete(t *testing.T) {
	assert.True(t, TokenPair{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}.Complete())
	assert.False(t, TokenPair{AccessToken: "a", RefreshToken: "r"}.Complete())
	assert.False(t, TokenPair{RefreshToken: "r", TokenType: "Bearer"}.Complete())
	assert.False(t, TokenPair{}.Complete())
}
