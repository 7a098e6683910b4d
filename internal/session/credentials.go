package session

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/pmelo/courier/internal/bus"
)

// ErrNoCredential is returned when no valid bearer credential is available.
var ErrNoCredential = errors.New("no valid credential")

// Credentials supplies the current bearer token for the chat server.
// Token refresh is owned by an external collaborator; this interface only
// reads the current value and signals invalidation.
type Credentials interface {
	// Current returns the current bearer token, or ErrNoCredential.
	Current() (string, error)
	// Invalidate marks the credential as rejected by the server.
	// Implementations publish "session.invalidated" on the bus.
	Invalidate(reason string)
}

// FileCredentials reads the bearer token from the session token file.
// The file is written by the login flow; an Invalidate call clears the
// in-memory copy and notifies listeners, but leaves the file for the
// login flow to replace.
type FileCredentials struct {
	path string
	bus  *bus.Bus

	mu      sync.RWMutex
	invalid bool
}

// NewFileCredentials creates a credential provider backed by the token
// file of the named session.
func NewFileCredentials(sessionName string, b *bus.Bus) *FileCredentials {
	return &FileCredentials{path: TokenPath(sessionName), bus: b}
}

// Current returns the token from the session token file.
func (c *FileCredentials) Current() (string, error) {
	c.mu.RLock()
	invalid := c.invalid
	c.mu.RUnlock()
	if invalid {
		return "", ErrNoCredential
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", ErrNoCredential
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Invalidate marks the credential invalid and publishes session.invalidated.
func (c *FileCredentials) Invalidate(reason string) {
	c.mu.Lock()
	already := c.invalid
	c.invalid = true
	c.mu.Unlock()
	if already {
		return
	}
	if c.bus != nil {
		c.bus.Emit("session.invalidated", reason)
	}
}

// Restore clears the invalid flag after a new token has been written.
func (c *FileCredentials) Restore() {
	c.mu.Lock()
	c.invalid = false
	c.mu.Unlock()
}
