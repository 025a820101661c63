// Package storage persists the admin session so that a restarted client
// observes the latest credential pair.
//
// Every backend stores the same three keys (access token, refresh token and
// the optional epoch-millisecond expiry) and converts them to and from an
// oauth2.Token.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// CredentialStore defines the interface for storing and retrieving the session.
type CredentialStore interface {
	// LoadToken loads the stored session.
	// Returns ErrStorageNotFound if nothing is stored.
	LoadToken(ctx context.Context) (*oauth2.Token, error)

	// StoreToken replaces the stored session with token.
	StoreToken(ctx context.Context, token *oauth2.Token) error

	// ClearToken removes the stored session. Clearing an empty store is not an error.
	ClearToken(ctx context.Context) error

	// HasToken checks if a session is stored without decoding it.
	HasToken(ctx context.Context) bool

	// GetStoragePath returns where the session is stored, for status output.
	GetStoragePath() string
}

// Sentinel errors for storage operations
var (
	ErrStorageNotFound  = errors.New("storage item not found")
	ErrStorageCorrupted = errors.New("storage data corrupted")
)

// EncodeToken flattens token into the persisted key/value layout.
// The expiry key is omitted when the token has no expiry.
func EncodeToken(token *oauth2.Token) map[string]string {
	kv := map[string]string{
		constants.AccessTokenKey:  token.AccessToken,
		constants.RefreshTokenKey: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		kv[constants.ExpiresAtKey] = strconv.FormatInt(token.Expiry.UnixMilli(), 10)
	}
	return kv
}

// DecodeToken rebuilds a token from the persisted key/value layout.
func DecodeToken(kv map[string]string) (*oauth2.Token, error) {
	access := kv[constants.AccessTokenKey]
	if access == "" {
		return nil, ErrStorageNotFound
	}

	token := &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: kv[constants.RefreshTokenKey],
	}

	if raw, ok := kv[constants.ExpiresAtKey]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", constants.ExpiresAtKey, raw, ErrStorageCorrupted)
		}
		token.Expiry = time.UnixMilli(ms)
	}

	return token, nil
}

// MemoryStore keeps the session in process memory. It is the default for
// tests and for callers that do not want the session to outlive the process.
type MemoryStore struct {
	mu sync.RWMutex
	kv map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string]string)}
}

// LoadToken implements CredentialStore.LoadToken.
func (m *MemoryStore) LoadToken(_ context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DecodeToken(m.kv)
}

// StoreToken implements CredentialStore.StoreToken.
func (m *MemoryStore) StoreToken(_ context.Context, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = EncodeToken(token)
	return nil
}

// ClearToken implements CredentialStore.ClearToken.
func (m *MemoryStore) ClearToken(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = make(map[string]string)
	return nil
}

// HasToken implements CredentialStore.HasToken.
func (m *MemoryStore) HasToken(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kv[constants.AccessTokenKey] != ""
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (m *MemoryStore) GetStoragePath() string {
	return "memory"
}

// Get returns the raw value stored under key.
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok
}
