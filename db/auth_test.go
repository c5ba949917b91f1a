package db

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func ssha512(password string, salt []byte, encode func([]byte) string, prefix string) string {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	return prefix + encode(append(h.Sum(nil), salt...))
}

func TestVerifyPassword(t *testing.T) {
	const password = "4711"

	blf, err := GenerateBcryptHash(password)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(blf, "{BLF-CRYPT}"))

	plainBcrypt, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	salt := []byte("saltsalt")
	tests := []struct {
		name   string
		stored string
	}{
		{"blf-crypt", blf},
		{"bcrypt", string(plainBcrypt)},
		{"ssha512 base64", ssha512(password, salt, base64.StdEncoding.EncodeToString, "{SSHA512}")},
		{"ssha512 hex", ssha512(password, salt, hex.EncodeToString, "{SSHA512.HEX}")},
		{"clear pin", password},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, VerifyPassword(tt.stored, password))
			assert.ErrorIs(t, VerifyPassword(tt.stored, "1234"), errPasswordMismatch)
			assert.Error(t, VerifyPassword(tt.stored, ""))
		})
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	err := VerifyPassword("{SSHA512}not-base64!", "4711")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errPasswordMismatch)

	err = VerifyPassword("{SSHA512.HEX}abcd", "4711")
	assert.ErrorContains(t, err, "too short")
}
