// Package keys validates, generates and fingerprints the symmetric keys that
// protect stored RCON credentials.
//
// A key is 32 random bytes carried as a 44-character URL-safe base64 string,
// the format used by Fernet tokens.
package keys

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/blake2b"
)

const (
	// EncodedLength is the length of a key in its base64 text form.
	EncodedLength = 44
	// DecodedLength is the number of raw key bytes.
	DecodedLength = 32
)

// EnvVar names the environment variable that carries the active key.
const EnvVar = "RCON_ENCRYPTION_KEY"

// Remedy is appended to every diagnostic surfaced to operators.
const Remedy = "Run 'irongate key generate' to generate a new valid encryption key"

// Problem codes reported by [Diagnose].
const (
	CodeMissing       = "MISSING_KEY"
	CodeInvalid       = "INVALID_KEY"
	CodeInvalidBase64 = "INVALID_BASE64"
)

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_="

// Problem describes why a candidate key was rejected.
type Problem struct {
	Code     string
	Summary  string
	Details  string
	Expected string
	Found    string
}

// String renders the operator-facing diagnostic, remedy included.
func (p *Problem) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n\nDetails: %s", p.Code, p.Summary, p.Details)
	if p.Expected != "" {
		fmt.Fprintf(&b, "\nExpected: %s", p.Expected)
	}
	if p.Found != "" {
		fmt.Fprintf(&b, "\nFound: %s", p.Found)
	}
	fmt.Fprintf(&b, "\n\nSolution: %s", Remedy)
	return b.String()
}

// Diagnose checks the structural shape of a candidate key and returns nil
// when the key can be used by the cipher.
func Diagnose[K ~string | ~[]byte](candidate K) *Problem {
	raw := string(candidate)
	if len(raw) == 0 {
		return &Problem{
			Code:     CodeMissing,
			Summary:  "Encryption key is missing",
			Details:  "The " + EnvVar + " is not set in your environment.",
			Expected: "32-byte URL-safe base64-encoded string (44 characters)",
			Found:    "nothing",
		}
	}
	if !utf8.ValidString(raw) {
		return &Problem{
			Code:    CodeInvalid,
			Summary: "Encryption key is not valid text",
			Details: "The key contains bytes that cannot be decoded as UTF-8.",
		}
	}
	key := strings.TrimSpace(raw)
	if key == "" {
		return &Problem{
			Code:     CodeMissing,
			Summary:  "Encryption key is empty",
			Details:  "The " + EnvVar + " is set but contains no data.",
			Expected: "32-byte URL-safe base64-encoded string (44 characters)",
			Found:    "empty string",
		}
	}
	if n := utf8.RuneCountInString(key); n != EncodedLength {
		return &Problem{
			Code:     CodeInvalid,
			Summary:  "Encryption key has incorrect length",
			Details:  fmt.Sprintf("Keys must be exactly %d characters.", EncodedLength),
			Expected: fmt.Sprintf("%d characters", EncodedLength),
			Found:    fmt.Sprintf("%d characters", n),
		}
	}
	decoded, err := base64.URLEncoding.Strict().DecodeString(key)
	if err != nil {
		return &Problem{
			Code:     CodeInvalidBase64,
			Summary:  "Encryption key contains invalid base64 characters",
			Details:  fmt.Sprintf("The key cannot be decoded as URL-safe base64: %v.", err),
			Expected: fmt.Sprintf("%d characters of URL-safe base64 (A-Z a-z 0-9 - _ =)", EncodedLength),
			Found:    fmt.Sprintf("%d characters with invalid encoding", EncodedLength),
		}
	}
	if len(decoded) != DecodedLength {
		return &Problem{
			Code:     CodeInvalid,
			Summary:  "Encryption key decodes to incorrect length",
			Details:  fmt.Sprintf("Keys must decode to exactly %d bytes.", DecodedLength),
			Expected: fmt.Sprintf("%d bytes", DecodedLength),
			Found:    fmt.Sprintf("%d bytes", len(decoded)),
		}
	}
	if _, err := fernet.DecodeKey(key); err != nil {
		return &Problem{
			Code:    CodeInvalid,
			Summary: "Encryption key format is invalid",
			Details: fmt.Sprintf("The key cannot be used to create a cipher: %v.", err),
		}
	}
	return nil
}

// Validate reports whether candidate is a usable key. The diagnostic is empty
// for valid keys and always ends with [Remedy] otherwise.
func Validate[K ~string | ~[]byte](candidate K) (bool, string) {
	if p := Diagnose(candidate); p != nil {
		return false, p.String()
	}
	return true, ""
}

// QuickCheck is [Validate] without the diagnostic.
func QuickCheck[K ~string | ~[]byte](candidate K) bool {
	return Diagnose(candidate) == nil
}

// Info summarizes the shape of a key for debugging output. It never contains
// key material.
type Info struct {
	Length        int
	Encoding      string
	URLSafe       bool
	HasPadding    bool
	DecodedLength int // -1 when the text is not decodable
}

// Inspect describes a candidate key without validating it.
func Inspect[K ~string | ~[]byte](candidate K) Info {
	raw := string(candidate)
	if !utf8.ValidString(raw) {
		return Info{Length: len(raw), Encoding: "invalid_utf8", DecodedLength: -1}
	}
	key := strings.TrimSpace(raw)
	info := Info{
		Length:        utf8.RuneCountInString(key),
		Encoding:      "utf8",
		HasPadding:    strings.HasSuffix(key, "="),
		DecodedLength: -1,
	}
	if key == "" {
		info.Encoding = "none"
		return info
	}
	info.URLSafe = !strings.ContainsFunc(key, func(r rune) bool {
		return !strings.ContainsRune(urlSafeAlphabet, r)
	})
	if decoded, err := base64.URLEncoding.DecodeString(key); err == nil {
		info.DecodedLength = len(decoded)
	}
	return info
}

// Generate returns a fresh random key in its text form.
func Generate() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// Fingerprint returns a short, non-reversible identifier for a key, safe to
// log and persist. Invalid keys yield "".
func Fingerprint(key string) string {
	if !QuickCheck(key) {
		return ""
	}
	decoded, err := base64.URLEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(decoded)
	return hex.EncodeToString(sum[:8])
}
