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

// Package protocol defines the StrataDB wire protocol constants and the
// binary message codec shared by the client and server implementations.
package protocol

// Message type constants for frontend (driver) messages
const (
	MsgAuthResponse = 'p' // Authentication response (challenge proof)
	MsgDatabaseOp   = 'D' // Database catalog operation
	MsgBegin        = 'B' // Begin transaction
	MsgQuery        = 'q' // Query within the current transaction
	MsgCommit       = 'C' // Commit the current transaction
	MsgRollback     = 'r' // Roll back the current transaction
	MsgCloseTxn     = 'X' // Close the current transaction without committing
	MsgPing         = 'k' // Liveness check
	MsgTerminate    = 'T' // Close the session
)

// Message type constants for backend (server) messages
const (
	MsgAuthRequest     = 'R' // Authentication request
	MsgSessionData     = 'K' // Session data (session id)
	MsgErrorResponse   = 'E' // Error response
	MsgNoticeResponse  = 'N' // Notice (non-fatal, informational)
	MsgDataFrame       = 'd' // Data frame (one encoded row or document)
	MsgCommandComplete = 'c' // Command complete with tag
	MsgReady           = 'Z' // Ready for the next request
)

// Authentication request codes
const (
	AuthOK              = 0  // Authentication successful
	AuthSaltedChallenge = 10 // Salted challenge-response authentication
)

// Database operation subtypes carried in a MsgDatabaseOp body
const (
	DatabaseOpList     = 'L' // List all database names
	DatabaseOpCreate   = 'C' // Create a database
	DatabaseOpContains = 'E' // Check whether a database exists
	DatabaseOpSchema   = 'S' // Fetch a database's schema text
	DatabaseOpDelete   = 'X' // Delete a database
)

// Error message field codes
const (
	FieldSeverity = 'S' // Severity (always present)
	FieldCode     = 'C' // Error code (always present, see Code* constants)
	FieldMessage  = 'M' // Primary message (always present)
	FieldDetail   = 'D' // Detail message
)

// Error codes carried in the FieldCode field of an error response.
// Each maps onto one driver error kind.
const (
	CodeConfiguration = "CFG" // Invalid client configuration
	CodeConnection    = "CXN" // Session or network failure
	CodeState         = "STA" // Operation on a closed or spent resource
	CodeDatabase      = "DBE" // Catalog operation rejected
	CodeTransaction   = "TXN" // Transaction rejected (conflict, lock timeout)
	CodeQuery         = "QRY" // Query failed
)

// SessionStatus is the session state byte sent in Ready messages.
type SessionStatus byte

// Session status indicators for Ready
const (
	StatusIdle   SessionStatus = 'I' // No transaction in progress
	StatusInTxn  SessionStatus = 'T' // Inside a transaction
	StatusFailed SessionStatus = 'E' // Inside a failed transaction
)

// Transaction kind bytes carried in a Begin message.
const (
	TxnKindRead   = 0
	TxnKindWrite  = 1
	TxnKindSchema = 2
)

// Startup parameter keys
const (
	ParamUser          = "user"
	ParamDriverName    = "driver_name"
	ParamDriverVersion = "driver_version"
)

// Command tags for responses with no data payload.
const (
	TagBegin    = "BEGIN"
	TagCommit   = "COMMIT"
	TagRollback = "ROLLBACK"
	TagClose    = "CLOSE"
	TagPong     = "PONG"
)

// Protocol version
const (
	ProtocolVersionMajor  = 1
	ProtocolVersionMinor  = 0
	ProtocolVersionNumber = (ProtocolVersionMajor << 16) | ProtocolVersionMinor
)

// Packet length constants
const (
	MaxStartupPacketLength = 10000             // Maximum startup packet length
	MaxMessageLength       = 256 * 1024 * 1024 // Maximum regular message length
	PacketHeaderSize       = 4                 // Size of the packet length field (excludes the type byte)
	SessionIDLength        = 16                // Length of the session id in SessionData
)
