package secret

import (
	"fmt"
	"strings"
)

// Code classifies an [Error].
type Code string

const (
	CodeMissingKey       Code = "MISSING_KEY"
	CodeInvalidKey       Code = "INVALID_KEY"
	CodeInvalidBase64    Code = "INVALID_BASE64"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeEncryptionFailed Code = "ENCRYPTION_FAILED"
	CodeKeyMismatch      Code = "KEY_MISMATCH"
	CodeCorruptedData    Code = "CORRUPTED_DATA"
)

// Sentinels for matching with errors.Is; only the code is compared.
var (
	ErrMissingKey       = &Error{Code: CodeMissingKey}
	ErrInvalidKey       = &Error{Code: CodeInvalidKey}
	ErrInvalidBase64    = &Error{Code: CodeInvalidBase64}
	ErrInvalidInput     = &Error{Code: CodeInvalidInput}
	ErrEncryptionFailed = &Error{Code: CodeEncryptionFailed}
	ErrKeyMismatch      = &Error{Code: CodeKeyMismatch}
	ErrCorruptedData    = &Error{Code: CodeCorruptedData}
)

// Error is a credential encryption failure carrying operator guidance.
type Error struct {
	Code     Code
	Message  string
	Details  string
	Solution string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		b.WriteString("\nDetails: " + e.Details)
	}
	if e.Solution != "" {
		b.WriteString("\nSolution: " + e.Solution)
	}
	return b.String()
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsKeyError reports whether err is a missing or malformed key error.
func (e *Error) IsKeyError() bool {
	switch e.Code {
	case CodeMissingKey, CodeInvalidKey, CodeInvalidBase64:
		return true
	}
	return false
}

func invalidInput(details, solution string) *Error {
	return &Error{
		Code:     CodeInvalidInput,
		Message:  "Cannot process invalid input",
		Details:  details,
		Solution: solution,
	}
}

func keyMismatch() *Error {
	return &Error{
		Code:    CodeKeyMismatch,
		Message: "Failed to decrypt data",
		Details: "The data is a well-formed token but its signature does not verify under the current " +
			"key. It was most likely encrypted with a different key.",
		Solution: "If you recently changed your encryption key, re-encrypt all passwords with " +
			"'irongate key rotate' or restore the previous key.",
	}
}

func corruptedData(details string) *Error {
	if details == "" {
		details = "The encrypted data cannot be decrypted because it has been modified or corrupted."
	}
	return &Error{
		Code:     CodeCorruptedData,
		Message:  "Ciphertext is corrupted",
		Details:  details,
		Solution: "Re-enter the RCON password for the affected server to store a fresh ciphertext.",
	}
}
