package main

import (
	"encoding/hex"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// GenerateSecureToken tests
// ---------------------------------------------------------------------------

func TestGenerateSecureToken_ProducesCorrectLength(t *testing.T) {
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 32 bytes hex-encoded = 64 characters.
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
}

func TestGenerateSecureToken_ProducesValidHex(t *testing.T) {
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The token must be a valid hex string.
	decoded, err := hex.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not valid hex: %v", err)
	}

	// Decoded bytes should be exactly 32 bytes.
	if len(decoded) != 32 {
		t.Errorf("decoded length = %d, want 32", len(decoded))
	}
}

func TestGenerateSecureToken_ProducesLowercaseHex(t *testing.T) {
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// hex.EncodeToString produces lowercase, but verify explicitly.
	if token != strings.ToLower(token) {
		t.Errorf("token should be lowercase hex, got %q", token)
	}
}

func TestGenerateSecureToken_ProducesUniqueTokens(t *testing.T) {
	// Generate multiple tokens and verify they are all distinct.
	// The probability of collision with 256-bit random tokens is negligible.
	const numTokens = 100
	seen := make(map[string]bool, numTokens)

	for i := 0; i < numTokens; i++ {
		token, err := GenerateSecureToken()
		if err != nil {
			t.Fatalf("unexpected error on iteration %d: %v", i, err)
		}
		if seen[token] {
			t.Fatalf("duplicate token detected on iteration %d: %q", i, token)
		}
		seen[token] = true
	}
}

func TestGenerateSecureToken_SufficientEntropy(t *testing.T) {
	// Verify the token is not all zeros, all ones, or other degenerate patterns.
	// This is a basic sanity check -- a proper entropy test is impractical in a
	// unit test, but we can catch obvious failures of the random source.
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Check it's not all zeros.
	allZeros := strings.Repeat("0", 64)
	if token == allZeros {
		t.Fatal("token is all zeros, indicating a failed random source")
	}

	// Check it's not all 'f's.
	allFs := strings.Repeat("f", 64)
	if token == allFs {
		t.Fatal("token is all 0xff, indicating a failed random source")
	}

	// Check it contains some variety of hex digits.
	uniqueChars := make(map[byte]bool)
	for i := 0; i < len(token); i++ {
		uniqueChars[token[i]] = true
	}
	// With 64 hex chars and 16 possible values, we expect many unique chars.
	// A threshold of 4 is extremely conservative -- in practice we'd see 14-16.
	if len(uniqueChars) < 4 {
		t.Errorf("token has only %d unique hex digits, expected more variety: %q", len(uniqueChars), token)
	}
}

func TestGenerateSecureToken_UsableAsBearerToken(t *testing.T) {
	// The generated token is stored as ops/api_token and presented in an
	// Authorization header. Hex never needs header escaping, but verify the
	// character set explicitly.
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < len(token); i++ {
		c := token[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("token contains non-hex byte %q at index %d", c, i)
		}
	}

	if len(token) < 32 {
		t.Errorf("token length %d is too short for a bearer token", len(token))
	}
}

// ---------------------------------------------------------------------------
// tokenByteLength constant test
// ---------------------------------------------------------------------------

func TestTokenByteLength(t *testing.T) {
	// 32 bytes gives 256 bits of entropy.
	if tokenByteLength != 32 {
		t.Errorf("tokenByteLength = %d, want 32", tokenByteLength)
	}
}
