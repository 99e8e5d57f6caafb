// Package domain defines the core data types shared across the irongate
// store, console, and rotation layers.
package domain

import (
	"net"
	"regexp"
	"strconv"
	"time"
)

// Whitelist request status constants track the outcome of a whitelist add.
const (
	RequestStatusPending   = "PENDING"
	RequestStatusProcessed = "PROCESSED"
	RequestStatusFailed    = "FAILED"
)

// ServerTarget is a registered game server reachable over RCON.
// EncryptedCredential is an opaque token; only the secret package opens it.
type ServerTarget struct {
	ID                  string
	Name                string
	Host                string
	Port                uint16
	EncryptedCredential []byte
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Addr returns the host:port dial address of the target.
func (t ServerTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Key identifies the target's pool slot. It falls back to the address for
// targets that were never persisted.
func (t ServerTarget) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Addr()
}

// Label names the target in logs and results.
func (t ServerTarget) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Key()
}

// Credential is one stored ciphertext, the unit rewritten by key rotation.
type Credential struct {
	ServerID   string
	Name       string
	Ciphertext []byte
}

// WhitelistRequest records a whitelist add issued against a server.
type WhitelistRequest struct {
	ID          string
	ServerID    string
	Username    string
	Status      string
	ResponseLog string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,16}$`)

// ValidUsername reports whether name has the shape of a player name.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// ValidateTarget checks the host and port of a target before it is stored.
// Hosts must be IPv4 literals.
func ValidateTarget(host string, port int) error {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return &TargetError{Field: "host", Value: host, Err: ErrInvalidTarget}
	}
	if port < 1 || port > 65535 {
		return &TargetError{Field: "port", Value: strconv.Itoa(port), Err: ErrInvalidTarget}
	}
	return nil
}
