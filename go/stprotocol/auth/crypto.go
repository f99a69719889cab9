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

// Package auth implements the salted challenge-response authentication used
// on StrataDB sessions. The key derivation chain is shared by the client
// (proof computation) and the server (proof verification):
//
//	SaltedPassword = PBKDF2-HMAC-SHA-256(password, salt, iterations)
//	ClientKey      = HMAC(SaltedPassword, "Client Key")
//	StoredKey      = SHA-256(ClientKey)
//	Proof          = HMAC(StoredKey, nonce)
//
// The server stores only StoredKey alongside its salt and iteration count;
// the plaintext password never leaves the client.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// sha256Size is the output size of SHA-256 in bytes.
	sha256Size = 32

	// clientKeyLiteral is the label string mixed into the client key HMAC.
	clientKeyLiteral = "Client Key"

	// DefaultIterations is the PBKDF2 iteration count for newly created
	// credentials. RFC 5802 recommends at least 4096 iterations.
	DefaultIterations = 4096

	// MinIterations is the minimum iteration count accepted for security.
	MinIterations = 4096

	// SaltLength is the salt length in bytes for newly created credentials.
	SaltLength = 16

	// MinSaltLength is the minimum salt length in bytes accepted for security.
	MinSaltLength = 8

	// NonceLength is the length of the per-session challenge nonce in bytes.
	NonceLength = 24
)

// ComputeSaltedPassword computes SaltedPassword using PBKDF2 with HMAC-SHA-256.
//
// Note: this implementation does not perform SASLprep normalization of the
// password; the server applies the same bytes, so both sides agree.
func ComputeSaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256Size, sha256.New)
}

// ComputeClientKey computes ClientKey = HMAC(SaltedPassword, "Client Key").
func ComputeClientKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte(clientKeyLiteral))
}

// ComputeStoredKey computes StoredKey = H(ClientKey) where H is SHA-256.
func ComputeStoredKey(clientKey []byte) []byte {
	h := sha256.Sum256(clientKey)
	return h[:]
}

// StoredKeyFromPassword runs the full derivation chain from a plaintext
// password down to the stored key.
func StoredKeyFromPassword(password string, salt []byte, iterations int) []byte {
	return ComputeStoredKey(ComputeClientKey(ComputeSaltedPassword(password, salt, iterations)))
}

// ComputeProof computes the challenge proof Proof = HMAC(StoredKey, nonce).
func ComputeProof(storedKey, nonce []byte) []byte {
	return hmacSHA256(storedKey, nonce)
}

// VerifyProof checks a client's proof against the stored key and the nonce
// issued for this session. Uses constant-time comparison to prevent timing
// attacks.
//
// Returns nil on success, ErrAuthenticationFailed when the proof does not
// match (wrong password), and other errors for malformed input.
func VerifyProof(storedKey, nonce, proof []byte) error {
	if len(proof) != sha256Size {
		return fmt.Errorf("invalid proof length: expected %d, got %d", sha256Size, len(proof))
	}

	expected := ComputeProof(storedKey, nonce)
	if subtle.ConstantTimeCompare(expected, proof) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}

// hmacSHA256 computes HMAC-SHA-256(key, message).
func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}
