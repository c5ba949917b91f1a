package db

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/migadu/vmail/consts"
)

const (
	blfCryptPrefix = "{BLF-CRYPT}"

	ssha512PrefixB64 = "{SSHA512}"
	ssha512PrefixHex = "{SSHA512.HEX}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"

	sha512HashLength = 64
)

var errPasswordMismatch = errors.New("password mismatch")

// GenerateBcryptHash creates a bcrypt hash with the BLF-CRYPT prefix.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// VerifyPassword checks password against a stored value. Stored values
// without a known scheme prefix are numeric PINs kept in the clear, as
// provisioned by legacy voicemail.conf imports.
func VerifyPassword(stored, password string) error {
	switch {
	case strings.HasPrefix(stored, blfCryptPrefix),
		strings.HasPrefix(stored, bcryptPrefix2a),
		strings.HasPrefix(stored, bcryptPrefix2b),
		strings.HasPrefix(stored, bcryptPrefix2y):
		err := bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(stored, blfCryptPrefix)), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errPasswordMismatch
		}
		return err

	case strings.HasPrefix(stored, ssha512PrefixHex),
		strings.HasPrefix(stored, ssha512PrefixB64):
		return verifySSHA512(stored, password)

	default:
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
			return errPasswordMismatch
		}
		return nil
	}
}

func verifySSHA512(stored, password string) error {
	var decoded []byte
	var err error
	if strings.HasPrefix(stored, ssha512PrefixHex) {
		decoded, err = hex.DecodeString(strings.TrimPrefix(stored, ssha512PrefixHex))
	} else {
		decoded, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, ssha512PrefixB64))
	}
	if err != nil {
		return fmt.Errorf("invalid SSHA512 data: %w", err)
	}
	// hash followed by a non-empty salt
	if len(decoded) <= sha512HashLength {
		return errors.New("invalid SSHA512 hash: too short")
	}

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(decoded[sha512HashLength:])
	if !bytes.Equal(decoded[:sha512HashLength], h.Sum(nil)) {
		return errPasswordMismatch
	}
	return nil
}

// AuthenticateMailbox verifies the PIN of a mailbox. A wrong or empty
// password yields consts.ErrInvalidPassword.
func (db *Database) AuthenticateMailbox(ctx context.Context, mailboxID int64, password string) error {
	if password == "" {
		return consts.ErrInvalidPassword
	}

	var stored string
	err := db.TimedQueryRow(ctx, "authenticate_mailbox",
		"SELECT password FROM mailboxes WHERE id = $1", mailboxID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return consts.ErrMailboxNotFound
		}
		return fmt.Errorf("failed to fetch mailbox password: %w", err)
	}

	if err := VerifyPassword(stored, password); err != nil {
		if errors.Is(err, errPasswordMismatch) {
			return consts.ErrInvalidPassword
		}
		return fmt.Errorf("failed to verify password: %w", err)
	}
	return nil
}

// SetMailboxPassword stores a new bcrypt hash of password.
func (db *Database) SetMailboxPassword(ctx context.Context, mailboxID int64, password string) error {
	if password == "" {
		return errors.New("password cannot be empty")
	}
	hash, err := GenerateBcryptHash(password)
	if err != nil {
		return err
	}
	tag, err := db.TimedExec(ctx, "set_mailbox_password",
		"UPDATE mailboxes SET password = $2, updated_at = now() WHERE id = $1", mailboxID, hash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}
