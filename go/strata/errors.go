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

package strata

import (
	"errors"
	"fmt"

	"github.com/stratadb/stratadb-go/go/stprotocol/client"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// ErrorKind classifies driver errors. Every error returned by this package
// is an *Error carrying exactly one kind.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors that did not originate
	// in this package.
	KindUnknown ErrorKind = iota

	// KindConfiguration: invalid options detected before any network
	// activity (bad TLS setup, negative sizes).
	KindConfiguration

	// KindConnection: dial, authentication, or session failure.
	KindConnection

	// KindState: an operation on a closed or already-consumed handle.
	KindState

	// KindDatabase: the server rejected a catalog operation.
	KindDatabase

	// KindTransaction: the server rejected a transaction operation
	// (lock timeout, commit conflict).
	KindTransaction

	// KindQuery: a query failed on the server or its result could not be
	// decoded.
	KindQuery
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindState:
		return "state"
	case KindDatabase:
		return "database"
	case KindTransaction:
		return "transaction"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Sentinel targets for errors.Is. Matching is by kind:
//
//	if errors.Is(err, strata.ErrTransaction) { ... }
//
// holds for every transaction-kind error regardless of message.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration, Message: "configuration error"}
	ErrConnection    = &Error{Kind: KindConnection, Message: "connection error"}
	ErrState         = &Error{Kind: KindState, Message: "state error"}
	ErrDatabase      = &Error{Kind: KindDatabase, Message: "database error"}
	ErrTransaction   = &Error{Kind: KindTransaction, Message: "transaction error"}
	ErrQuery         = &Error{Kind: KindQuery, Message: "query error"}
)

// Error is the driver's error type. Kind discriminates the failure class;
// Unwrap exposes the underlying cause (a wire-level error, typically) when
// there is one.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("strata: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports kind equality, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the kind from an error chain. It returns KindUnknown for
// errors that are not driver errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// fromWire converts a wire-level failure into a driver error. Server error
// responses map code for code; anything else (EOF, timeouts, poisoned
// connections) is a connection error.
func fromWire(err error, format string, args ...any) *Error {
	context := fmt.Sprintf(format, args...)
	var serverErr *client.Error
	if errors.As(err, &serverErr) {
		kind := KindConnection
		switch serverErr.Code {
		case protocol.CodeConfiguration:
			kind = KindConfiguration
		case protocol.CodeConnection:
			kind = KindConnection
		case protocol.CodeState:
			kind = KindState
		case protocol.CodeDatabase:
			kind = KindDatabase
		case protocol.CodeTransaction:
			kind = KindTransaction
		case protocol.CodeQuery:
			kind = KindQuery
		}
		return wrapError(kind, err, "%s: %s", context, serverErr.Message)
	}
	return wrapError(KindConnection, err, "%s: %v", context, err)
}
