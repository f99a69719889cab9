// Copyright 2025 The StrataDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for authentication.
var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrAuthenticationFailed indicates the password proof was invalid.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Credential is a server-side stored credential. It never contains the
// plaintext password, only the derived stored key with its salt and
// iteration count.
type Credential struct {
	// Salt is the random salt used in PBKDF2 key derivation.
	Salt []byte

	// Iterations is the PBKDF2 iteration count.
	Iterations int

	// StoredKey is SHA-256(HMAC(SaltedPassword, "Client Key")).
	StoredKey []byte
}

// NewCredential derives a fresh credential from a plaintext password using a
// random salt and the default iteration count.
func NewCredential(password string) (*Credential, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &Credential{
		Salt:       salt,
		Iterations: DefaultIterations,
		StoredKey:  StoredKeyFromPassword(password, salt, DefaultIterations),
	}, nil
}

// Validate checks the credential against the minimum security parameters.
func (c *Credential) Validate() error {
	if len(c.Salt) < MinSaltLength {
		return fmt.Errorf("salt length %d below minimum %d bytes (insecure)", len(c.Salt), MinSaltLength)
	}
	if c.Iterations < MinIterations {
		return fmt.Errorf("iteration count %d below minimum %d (insecure)", c.Iterations, MinIterations)
	}
	if len(c.StoredKey) != sha256Size {
		return fmt.Errorf("stored key length %d, expected %d", len(c.StoredKey), sha256Size)
	}
	return nil
}

// CredentialSource looks up stored credentials by username. Implementations
// must return ErrUserNotFound when the user does not exist.
type CredentialSource interface {
	Lookup(ctx context.Context, username string) (*Credential, error)
}

// StaticCredentials is a map-backed CredentialSource for tests and the fake
// server. Safe for concurrent use.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewStaticCredentials creates an empty credential store.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{creds: make(map[string]*Credential)}
}

// Add derives and stores a credential for the given user, replacing any
// existing one.
func (s *StaticCredentials) Add(username, password string) error {
	cred, err := NewCredential(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[username] = cred
	return nil
}

// Lookup returns the stored credential for a user.
func (s *StaticCredentials) Lookup(ctx context.Context, username string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cred, nil
}
