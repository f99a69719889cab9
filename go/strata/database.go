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
	"context"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratadb/stratadb-go/go/stprotocol/client"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// DatabaseManager performs catalog operations. Obtain it from
// Driver.Databases; every call borrows a pooled connection and requires the
// driver to be open.
type DatabaseManager struct {
	driver *Driver
}

// All lists the names of all databases on the server.
func (m *DatabaseManager) All(ctx context.Context) ([]string, error) {
	var names []string
	err := m.driver.withConn(ctx, func(conn *client.Conn) error {
		resp, err := conn.DatabaseOp(ctx, protocol.DatabaseOpList, "")
		if err != nil {
			return fromWire(err, "failed to list databases")
		}
		return decodePayload(resp, &names, "database list")
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Create creates a database.
func (m *DatabaseManager) Create(ctx context.Context, name string) error {
	return m.driver.withConn(ctx, func(conn *client.Conn) error {
		if _, err := conn.DatabaseOp(ctx, protocol.DatabaseOpCreate, name); err != nil {
			return fromWire(err, "failed to create database %q", name)
		}
		return nil
	})
}

// Contains reports whether the named database exists.
func (m *DatabaseManager) Contains(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.driver.withConn(ctx, func(conn *client.Conn) error {
		resp, err := conn.DatabaseOp(ctx, protocol.DatabaseOpContains, name)
		if err != nil {
			return fromWire(err, "failed to check database %q", name)
		}
		return decodePayload(resp, &exists, "database existence")
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Schema returns the schema definition text of the named database.
func (m *DatabaseManager) Schema(ctx context.Context, name string) (string, error) {
	var schema string
	err := m.driver.withConn(ctx, func(conn *client.Conn) error {
		resp, err := conn.DatabaseOp(ctx, protocol.DatabaseOpSchema, name)
		if err != nil {
			return fromWire(err, "failed to fetch schema of database %q", name)
		}
		return decodePayload(resp, &schema, "database schema")
	})
	if err != nil {
		return "", err
	}
	return schema, nil
}

// Delete deletes the named database.
func (m *DatabaseManager) Delete(ctx context.Context, name string) error {
	return m.driver.withConn(ctx, func(conn *client.Conn) error {
		if _, err := conn.DatabaseOp(ctx, protocol.DatabaseOpDelete, name); err != nil {
			return fromWire(err, "failed to delete database %q", name)
		}
		return nil
	})
}

// Get returns a handle to the named database. It fails with a database
// error when the database does not exist.
func (m *DatabaseManager) Get(ctx context.Context, name string) (*Database, error) {
	exists, err := m.Contains(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, newError(KindDatabase, "database %q does not exist", name)
	}
	return &Database{manager: m, name: name}, nil
}

// decodePayload decodes the single data frame of a catalog response. A
// missing or malformed frame means the server broke the protocol contract.
func decodePayload(resp *client.Response, out any, what string) error {
	if len(resp.Frames) != 1 {
		return newError(KindConnection, "malformed %s response: %d data frames", what, len(resp.Frames))
	}
	if err := msgpack.Unmarshal(resp.Frames[0], out); err != nil {
		return wrapError(KindConnection, err, "malformed %s response", what)
	}
	return nil
}

// Database is a handle to one database in the catalog.
type Database struct {
	manager *DatabaseManager
	name    string
}

// Name returns the database's name.
func (db *Database) Name() string {
	return db.name
}

// Schema returns the database's schema definition text.
func (db *Database) Schema(ctx context.Context) (string, error) {
	return db.manager.Schema(ctx, db.name)
}

// Delete deletes the database. The handle is invalid afterwards.
func (db *Database) Delete(ctx context.Context) error {
	return db.manager.Delete(ctx, db.name)
}
