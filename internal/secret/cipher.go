// Package secret encrypts and decrypts stored RCON passwords with an
// authenticated symmetric cipher (Fernet tokens).
package secret

import (
	"encoding/base64"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fernet/fernet-go"

	"github.com/irongate/irongate/internal/keys"
)

// Token layout: version(1) | timestamp(8) | iv(16) | ciphertext(16*n) | hmac(32).
const (
	tokenVersion  = 0x80
	tokenOverhead = 1 + 8 + 16 + 32
	blockSize     = 16
)

// noExpiry disables the token age check; stored credentials never expire.
const noExpiry = -1

// Cipher encrypts credentials under a single validated key.
type Cipher struct {
	key         *fernet.Key
	fingerprint string
}

// New builds a Cipher from a key in its text form. Missing and malformed
// keys are rejected with distinct error codes before any cipher is built.
func New(key string) (*Cipher, error) {
	if p := keys.Diagnose(key); p != nil {
		return nil, problemError(p)
	}
	k, err := fernet.DecodeKey(strings.TrimSpace(key))
	if err != nil {
		return nil, &Error{
			Code:     CodeInvalidKey,
			Message:  "Encryption key format is invalid",
			Details:  err.Error(),
			Solution: keys.Remedy,
		}
	}
	return &Cipher{key: k, fingerprint: keys.Fingerprint(key)}, nil
}

// FromEnv builds a Cipher from the process-wide key in [keys.EnvVar].
func FromEnv() (*Cipher, error) {
	return New(os.Getenv(keys.EnvVar))
}

func problemError(p *keys.Problem) *Error {
	code := CodeInvalidKey
	switch p.Code {
	case keys.CodeMissing:
		code = CodeMissingKey
	case keys.CodeInvalidBase64:
		code = CodeInvalidBase64
	}
	details := p.Details
	if p.Expected != "" {
		details += " Expected: " + p.Expected + "."
	}
	if p.Found != "" {
		details += " Found: " + p.Found + "."
	}
	return &Error{Code: code, Message: p.Summary, Details: details, Solution: keys.Remedy}
}

// Fingerprint identifies the key without revealing it.
func (c *Cipher) Fingerprint() string {
	return c.fingerprint
}

// Encrypt seals plaintext into an authenticated token. The token is always
// longer than the UTF-8 encoding of plaintext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, invalidInput("The plaintext input is empty.", "Provide a non-empty string to encrypt.")
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return nil, &Error{
			Code:     CodeEncryptionFailed,
			Message:  "Encryption operation failed",
			Details:  err.Error(),
			Solution: "Check that the encryption key is valid with 'irongate key verify'.",
		}
	}
	return tok, nil
}

// Decrypt opens a token produced by [Cipher.Encrypt]. Authentication failures
// are reported as [ErrKeyMismatch] when the token is well formed and as
// [ErrCorruptedData] otherwise.
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", invalidInput("The ciphertext input is empty.", "Provide valid encrypted data to decrypt.")
	}
	msg := fernet.VerifyAndDecrypt(ciphertext, noExpiry, []*fernet.Key{c.key})
	if msg == nil {
		return "", classifyFailure(ciphertext)
	}
	if !utf8.Valid(msg) {
		return "", corruptedData("The decrypted payload is not valid UTF-8 text.")
	}
	return string(msg), nil
}

// VerifyRoundTrip encrypts and decrypts probe and reports whether the value
// survived. It never returns an error.
func (c *Cipher) VerifyRoundTrip(probe string) bool {
	tok, err := c.Encrypt(probe)
	if err != nil {
		return false
	}
	got, err := c.Decrypt(tok)
	return err == nil && got == probe
}

// CanDecrypt reports whether ciphertext opens under this key.
func (c *Cipher) CanDecrypt(ciphertext []byte) bool {
	_, err := c.Decrypt(ciphertext)
	return err == nil
}

// classifyFailure tells a token sealed under another key apart from bytes
// that were never a token. A tampered token is indistinguishable from a
// foreign key and is reported as a mismatch.
func classifyFailure(ciphertext []byte) *Error {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(string(ciphertext)))
	if err != nil {
		return corruptedData("The ciphertext is not a base64 token.")
	}
	if len(raw) < tokenOverhead+blockSize || raw[0] != tokenVersion || (len(raw)-tokenOverhead)%blockSize != 0 {
		return corruptedData("The ciphertext does not have the structure of an encrypted token.")
	}
	return keyMismatch()
}
