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
)

// challengerState tracks the current state of the handshake.
type challengerState int

const (
	stateInitial challengerState = iota
	stateChallenged
	stateAuthenticated
	stateFailed
)

// Challenge is the challenge issued to a client at the start of a session.
type Challenge struct {
	// Salt and Iterations come from the user's stored credential so the
	// client can re-derive the same stored key.
	Salt       []byte
	Iterations int

	// Nonce is a fresh random value for this session, preventing replay.
	Nonce []byte
}

// Challenger handles the server side of one challenge-response exchange.
//
// Usage:
//  1. After reading the startup message, call IssueChallenge() with the
//     announced username and send the challenge to the client.
//  2. After receiving the client's proof, call Verify().
//  3. Check IsAuthenticated() / AuthenticatedUser().
//
// The challenger maintains state between calls and enforces valid state
// transitions to prevent protocol errors.
//
// Thread safety: a Challenger is NOT safe for concurrent use. Each connection
// must use its own instance.
type Challenger struct {
	source CredentialSource

	state    challengerState
	username string
	cred     *Credential
	nonce    []byte
}

// NewChallenger creates a challenger backed by the given credential source.
// Panics if source is nil.
func NewChallenger(source CredentialSource) *Challenger {
	if source == nil {
		panic("auth: credential source cannot be nil")
	}
	return &Challenger{
		source: source,
		state:  stateInitial,
	}
}

// IssueChallenge looks up the user's credential and produces the challenge to
// send. Returns ErrUserNotFound when the user does not exist; the caller
// should surface it as a generic authentication failure so usernames cannot
// be probed.
func (a *Challenger) IssueChallenge(ctx context.Context, username string) (*Challenge, error) {
	if a.state != stateInitial {
		return nil, fmt.Errorf("auth: invalid state for IssueChallenge (got %d)", a.state)
	}

	cred, err := a.source.Lookup(ctx, username)
	if err != nil {
		a.state = stateFailed
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: credential lookup failed: %w", err)
	}
	if err := cred.Validate(); err != nil {
		a.state = stateFailed
		return nil, fmt.Errorf("auth: stored credential for %q invalid: %w", username, err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		a.state = stateFailed
		return nil, fmt.Errorf("auth: failed to generate nonce: %w", err)
	}

	a.username = username
	a.cred = cred
	a.nonce = nonce
	a.state = stateChallenged

	return &Challenge{
		Salt:       cred.Salt,
		Iterations: cred.Iterations,
		Nonce:      nonce,
	}, nil
}

// Verify checks the client's proof against the issued challenge.
// Returns ErrAuthenticationFailed when the proof is invalid.
func (a *Challenger) Verify(proof []byte) error {
	if a.state != stateChallenged {
		return fmt.Errorf("auth: invalid state for Verify (got %d)", a.state)
	}

	if err := VerifyProof(a.cred.StoredKey, a.nonce, proof); err != nil {
		a.state = stateFailed
		return err
	}

	a.state = stateAuthenticated
	return nil
}

// IsAuthenticated returns true once Verify has succeeded.
func (a *Challenger) IsAuthenticated() bool {
	return a.state == stateAuthenticated
}

// AuthenticatedUser returns the username that authenticated successfully,
// or an empty string before that.
func (a *Challenger) AuthenticatedUser() string {
	if a.state != stateAuthenticated {
		return ""
	}
	return a.username
}
