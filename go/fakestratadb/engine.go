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

package fakestratadb

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
	"github.com/stratadb/stratadb-go/go/stprotocol/server"
)

// defaultLockWait is how long transaction admission waits for a conflicting
// lock when the client sends no schema-lock timeout. Kept short so tests
// that provoke conflicts stay fast.
const defaultLockWait = 250 * time.Millisecond

// The built-in query subset. Everything else must be canned via AddQuery.
var (
	insertQueryRe = regexp.MustCompile(`(?i)^insert\s+\$([\w-]+)\s+isa\s+([\w-]+)\s*;?$`)
	countQueryRe  = regexp.MustCompile(`(?i)^match\s+\$[\w-]+\s+isa\s+([\w-]+)\s*;\s*count\s*;?$`)
	matchQueryRe  = regexp.MustCompile(`(?i)^match\s+\$([\w-]+)\s+isa\s+([\w-]+)\s*;?$`)
	defineQueryRe = regexp.MustCompile(`(?i)^define\s+`)
)

// database is one catalog entry with its committed state and lock state.
// All fields are protected by the server's mu.
type database struct {
	name string

	// schema holds applied definition statements in application order.
	schema []string

	// instances maps type name to committed instance count.
	instances map[string]int

	// writers counts open write transactions.
	writers int

	// schemaHeld is true while a schema transaction is open.
	schemaHeld bool

	// released is closed and replaced whenever a lock is released, waking
	// transactions waiting for admission.
	released chan struct{}
}

func newDatabase(name string) *database {
	return &database{
		name:      name,
		instances: make(map[string]int),
		released:  make(chan struct{}),
	}
}

// session is the per-connection transaction state. It stages changes that
// only become visible to other sessions at commit.
type session struct {
	db   *database
	kind byte

	// stagedInstances maps type name to the number of inserts staged in
	// this transaction.
	stagedInstances map[string]int

	// stagedSchema holds definition statements staged in this transaction.
	stagedSchema []string
}

//
// Catalog seeding and verification helpers.
//

// AddDatabase creates a database directly, bypassing the wire protocol.
// Creating a database that already exists is a no-op.
func (s *Server) AddDatabase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[name]; !ok {
		s.databases[name] = newDatabase(name)
	}
}

// SeedInstances sets the committed instance count of a type, bypassing the
// wire protocol.
func (s *Server) SeedInstances(dbName, typeName string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[dbName]
	if !ok {
		s.t.Fatalf("fakestratadb: unknown database %q", dbName)
	}
	db.instances[typeName] = count
}

// InstanceCount returns the committed instance count of a type.
func (s *Server) InstanceCount(dbName, typeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[dbName]
	if !ok {
		s.t.Fatalf("fakestratadb: unknown database %q", dbName)
	}
	return db.instances[typeName]
}

// SchemaText returns the applied schema of a database, one definition
// statement per line.
func (s *Server) SchemaText(dbName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[dbName]
	if !ok {
		s.t.Fatalf("fakestratadb: unknown database %q", dbName)
	}
	return strings.Join(db.schema, "\n")
}

//
// Catalog operations.
//

// handleDatabaseOp executes one catalog operation.
func (s *Server) handleDatabaseOp(op byte, name string) (*server.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case protocol.DatabaseOpList:
		names := slices.Sorted(maps.Keys(s.databases))
		frame, err := encodeFrame(names)
		if err != nil {
			return nil, err
		}
		return &server.Result{Frames: [][]byte{frame}, Tag: fmt.Sprintf("LIST %d", len(names))}, nil

	case protocol.DatabaseOpCreate:
		if name == "" {
			return nil, server.NewError(protocol.CodeDatabase, "database name cannot be empty")
		}
		if _, ok := s.databases[name]; ok {
			return nil, server.NewError(protocol.CodeDatabase, fmt.Sprintf("database %q already exists", name))
		}
		s.databases[name] = newDatabase(name)
		return &server.Result{Tag: "CREATE DATABASE"}, nil

	case protocol.DatabaseOpContains:
		_, ok := s.databases[name]
		frame, err := encodeFrame(ok)
		if err != nil {
			return nil, err
		}
		return &server.Result{Frames: [][]byte{frame}, Tag: "EXISTS"}, nil

	case protocol.DatabaseOpSchema:
		db, ok := s.databases[name]
		if !ok {
			return nil, server.NewError(protocol.CodeDatabase, fmt.Sprintf("database %q does not exist", name))
		}
		frame, err := encodeFrame(strings.Join(db.schema, "\n"))
		if err != nil {
			return nil, err
		}
		return &server.Result{Frames: [][]byte{frame}, Tag: "SCHEMA"}, nil

	case protocol.DatabaseOpDelete:
		if _, ok := s.databases[name]; !ok {
			return nil, server.NewError(protocol.CodeDatabase, fmt.Sprintf("database %q does not exist", name))
		}
		delete(s.databases, name)
		return &server.Result{Tag: "DROP DATABASE"}, nil

	default:
		return nil, server.NewError(protocol.CodeDatabase, fmt.Sprintf("unsupported database operation: %c", op))
	}
}

//
// Transaction lifecycle.
//

// beginSession opens a transaction on the named database, waiting for lock
// admission up to the schema-lock timeout.
func (s *Server) beginSession(ctx context.Context, dbName string, kind byte, lockTimeout time.Duration) (*session, error) {
	s.mu.Lock()
	db, ok := s.databases[dbName]
	s.mu.Unlock()
	if !ok {
		return nil, server.NewError(protocol.CodeTransaction, fmt.Sprintf("database %q does not exist", dbName))
	}

	if err := s.acquireLock(ctx, db, kind, lockTimeout); err != nil {
		return nil, err
	}

	return &session{
		db:              db,
		kind:            kind,
		stagedInstances: make(map[string]int),
	}, nil
}

// acquireLock waits until a transaction of the given kind is admissible on
// db, then takes its lock. Reads are always admissible; writes wait for an
// open schema transaction; schema transactions wait for writes and other
// schema transactions.
func (s *Server) acquireLock(ctx context.Context, db *database, kind byte, lockTimeout time.Duration) error {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockWait
	}
	deadline := time.Now().Add(lockTimeout)

	s.mu.Lock()
	for {
		admissible := true
		switch kind {
		case protocol.TxnKindWrite:
			admissible = !db.schemaHeld
		case protocol.TxnKindSchema:
			admissible = !db.schemaHeld && db.writers == 0
		}
		if admissible {
			switch kind {
			case protocol.TxnKindWrite:
				db.writers++
			case protocol.TxnKindSchema:
				db.schemaHeld = true
			}
			s.mu.Unlock()
			return nil
		}

		released := db.released
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return lockTimeoutError(db, kind, lockTimeout)
		}
		timer := time.NewTimer(wait)
		select {
		case <-released:
			timer.Stop()
		case <-timer.C:
			return lockTimeoutError(db, kind, lockTimeout)
		case <-ctx.Done():
			timer.Stop()
			return server.NewError(protocol.CodeTransaction, "transaction open cancelled")
		}
		s.mu.Lock()
	}
}

func lockTimeoutError(db *database, kind byte, lockTimeout time.Duration) error {
	what := "write"
	if kind == protocol.TxnKindSchema {
		what = "schema"
	}
	return server.NewError(protocol.CodeTransaction,
		fmt.Sprintf("could not acquire %s lock on database %q within %v", what, db.name, lockTimeout))
}

// releaseLockLocked drops the session's lock and wakes admission waiters.
// Must be called with mu held.
func (s *Server) releaseLockLocked(sess *session) {
	switch sess.kind {
	case protocol.TxnKindWrite:
		sess.db.writers--
	case protocol.TxnKindSchema:
		sess.db.schemaHeld = false
	}
	close(sess.db.released)
	sess.db.released = make(chan struct{})
}

// commitSession applies the session's staged changes. On a queued commit
// rejection the changes are discarded instead; the transaction is consumed
// either way.
func (s *Server) commitSession(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commitRejections) > 0 {
		msg := s.commitRejections[0]
		s.commitRejections = s.commitRejections[1:]
		s.releaseLockLocked(sess)
		return server.NewError(protocol.CodeTransaction, msg)
	}

	for typeName, n := range sess.stagedInstances {
		sess.db.instances[typeName] += n
	}
	sess.db.schema = append(sess.db.schema, sess.stagedSchema...)
	s.releaseLockLocked(sess)
	return nil
}

// discardSession drops the session's staged changes and releases its lock.
func (s *Server) discardSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLockLocked(sess)
}

//
// Built-in query subset.
//

// executeEngineLocked runs the built-in query subset against the session's
// database. Returns handled=false when the query is not part of the subset.
// Must be called with mu held.
func (s *Server) executeEngineLocked(sess *session, req *server.QueryRequest) (result *server.Result, handled bool, err error) {
	q := strings.TrimSpace(req.Query)

	if m := insertQueryRe.FindStringSubmatch(q); m != nil {
		varName, typeName := m[1], m[2]
		if sess.kind == protocol.TxnKindRead {
			return nil, true, server.NewError(protocol.CodeQuery, "write queries are not allowed in a read transaction")
		}
		index := sess.db.instances[typeName] + sess.stagedInstances[typeName]
		sess.stagedInstances[typeName]++
		frame, err := encodeFrame(map[string]any{varName: makeConcept(typeName, index, req.IncludeInstanceTypes)})
		if err != nil {
			return nil, true, err
		}
		return &server.Result{Frames: [][]byte{frame}, Tag: "INSERT 1"}, true, nil
	}

	if m := countQueryRe.FindStringSubmatch(q); m != nil {
		typeName := m[1]
		n := sess.db.instances[typeName] + sess.stagedInstances[typeName]
		frame, err := encodeFrame(map[string]any{"count": n})
		if err != nil {
			return nil, true, err
		}
		return &server.Result{Frames: [][]byte{frame}, Tag: "FETCH 1"}, true, nil
	}

	if m := matchQueryRe.FindStringSubmatch(q); m != nil {
		varName, typeName := m[1], m[2]
		n := sess.db.instances[typeName] + sess.stagedInstances[typeName]
		frames := make([][]byte, 0, n)
		for i := range n {
			frame, err := encodeFrame(map[string]any{varName: makeConcept(typeName, i, req.IncludeInstanceTypes)})
			if err != nil {
				return nil, true, err
			}
			frames = append(frames, frame)
		}
		return &server.Result{Frames: frames, Tag: fmt.Sprintf("MATCH %d", n)}, true, nil
	}

	if defineQueryRe.MatchString(q) {
		if sess.kind != protocol.TxnKindSchema {
			return nil, true, server.NewError(protocol.CodeQuery, "schema definitions require a schema transaction")
		}
		sess.stagedSchema = append(sess.stagedSchema, q)
		return &server.Result{Tag: "DEFINE"}, true, nil
	}

	return nil, false, nil
}

// makeConcept builds the wire form of one stored instance.
func makeConcept(typeName string, index int, includeType bool) map[string]any {
	concept := map[string]any{
		"iid": fmt.Sprintf("0x%x", index+1),
	}
	if includeType {
		concept["type"] = typeName
	}
	return concept
}

// encodeFrame msgpack-encodes one data frame payload.
func encodeFrame(v any) ([]byte, error) {
	frame, err := msgpack.Marshal(v)
	if err != nil {
		return nil, server.NewError(protocol.CodeQuery, fmt.Sprintf("failed to encode result: %v", err))
	}
	return frame, nil
}
