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
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"
)

// Default driver option values, applied by NewDriverOptions.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseTimeout   = 10 * time.Second
	DefaultPoolSize       = 8
	DefaultDialRetries    = 2
)

// Credentials carries the username and password used to authenticate every
// connection the driver opens. The value is copied at open time and never
// retained by reference.
type Credentials struct {
	Username string
	Password string
}

// NewCredentials builds a Credentials value.
func NewCredentials(username, password string) Credentials {
	return Credentials{Username: username, Password: password}
}

// DriverOptions configures a Driver. Construct with NewDriverOptions; the
// fields may be adjusted before Open and are frozen once a driver is opened
// with them.
type DriverOptions struct {
	// ConnectTimeout bounds the dial-and-handshake phase of each
	// connection the driver opens.
	ConnectTimeout time.Duration

	// CloseTimeout bounds Driver.Close. Connections still borrowed when it
	// expires are closed forcibly.
	CloseTimeout time.Duration

	// PoolSize caps the number of concurrent server connections.
	PoolSize int

	// DialRetries is the number of additional dial attempts after a failed
	// first one. Retries happen before any session exists, so they never
	// repeat a destructive operation.
	DialRetries int

	tlsConfig *tls.Config
}

// NewDriverOptions builds driver options with defaults. When tlsEnabled is
// set, server connections are wrapped in TLS; rootCAPath optionally names a
// PEM file with the certificate authorities to verify the server against
// (the system pool is used when empty). Setting rootCAPath without
// tlsEnabled is a configuration error, as is an unreadable or invalid CA
// file.
func NewDriverOptions(tlsEnabled bool, rootCAPath string) (*DriverOptions, error) {
	opts := &DriverOptions{
		ConnectTimeout: DefaultConnectTimeout,
		CloseTimeout:   DefaultCloseTimeout,
		PoolSize:       DefaultPoolSize,
		DialRetries:    DefaultDialRetries,
	}

	if !tlsEnabled {
		if rootCAPath != "" {
			return nil, newError(KindConfiguration, "root CA path set but TLS is disabled")
		}
		return opts, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if rootCAPath != "" {
		pem, err := os.ReadFile(rootCAPath)
		if err != nil {
			return nil, wrapError(KindConfiguration, err, "cannot read root CA file %q", rootCAPath)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, newError(KindConfiguration, "root CA file %q contains no valid PEM certificates", rootCAPath)
		}
		tlsConfig.RootCAs = pool
	}
	opts.tlsConfig = tlsConfig
	return opts, nil
}

// TLSEnabled reports whether connections will use TLS.
func (o *DriverOptions) TLSEnabled() bool {
	return o.tlsConfig != nil
}

// validate is called by Open before the options are frozen.
func (o *DriverOptions) validate() error {
	if o.PoolSize <= 0 {
		return newError(KindConfiguration, "pool size must be positive, got %d", o.PoolSize)
	}
	if o.DialRetries < 0 {
		return newError(KindConfiguration, "dial retries must not be negative, got %d", o.DialRetries)
	}
	if o.ConnectTimeout <= 0 {
		return newError(KindConfiguration, "connect timeout must be positive, got %v", o.ConnectTimeout)
	}
	if o.CloseTimeout <= 0 {
		return newError(KindConfiguration, "close timeout must be positive, got %v", o.CloseTimeout)
	}
	return nil
}

// TransactionKind selects the concurrency class of a transaction.
type TransactionKind int

const (
	// Read transactions observe committed state and reject writes.
	Read TransactionKind = 0
	// Write transactions stage data changes until commit.
	Write TransactionKind = 1
	// Schema transactions stage definition changes and exclude all other
	// transactions on the database while open.
	Schema TransactionKind = 2
)

// String implements fmt.Stringer.
func (k TransactionKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Schema:
		return "schema"
	default:
		return "unknown"
	}
}

func (k TransactionKind) valid() bool {
	return k == Read || k == Write || k == Schema
}

// TransactionOptions tunes a single transaction open. The zero value of
// each field means "server default". The values are snapshotted when the
// transaction opens; mutating the options afterwards has no effect on it.
type TransactionOptions struct {
	// Timeout is the server-side idle lifetime of the transaction.
	Timeout time.Duration

	// SchemaLockTimeout bounds how long the open waits for the database's
	// schema/write lock admission.
	SchemaLockTimeout time.Duration
}

// NewTransactionOptions builds empty transaction options.
func NewTransactionOptions() *TransactionOptions {
	return &TransactionOptions{}
}

// SetTimeout sets the transaction timeout and returns the options for
// chaining.
func (o *TransactionOptions) SetTimeout(d time.Duration) *TransactionOptions {
	o.Timeout = d
	return o
}

// SetSchemaLockTimeout sets the lock admission timeout and returns the
// options for chaining.
func (o *TransactionOptions) SetSchemaLockTimeout(d time.Duration) *TransactionOptions {
	o.SchemaLockTimeout = d
	return o
}

// QueryOptions tunes a single query call. The zero value means server
// defaults. Snapshotted per call.
type QueryOptions struct {
	// IncludeInstanceTypes asks the server to annotate returned concepts
	// with their types.
	IncludeInstanceTypes bool

	// PrefetchSize is the server's result streaming chunk size; 0 means
	// the server default. Negative values are rejected at the query call.
	PrefetchSize int32
}

// NewQueryOptions builds empty query options.
func NewQueryOptions() *QueryOptions {
	return &QueryOptions{}
}

// SetIncludeInstanceTypes sets type annotation and returns the options for
// chaining.
func (o *QueryOptions) SetIncludeInstanceTypes(include bool) *QueryOptions {
	o.IncludeInstanceTypes = include
	return o
}

// SetPrefetchSize sets the streaming chunk size and returns the options for
// chaining.
func (o *QueryOptions) SetPrefetchSize(size int32) *QueryOptions {
	o.PrefetchSize = size
	return o
}
