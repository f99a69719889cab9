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

// Package fakestratadb provides a fake StrataDB server for testing.
// It speaks the StrataDB wire protocol over real TCP and serves queries two
// ways: pre-configured results registered with AddQuery and friends, and a
// small built-in engine that stages inserts and schema definitions per
// transaction and applies them on commit, so transaction semantics are
// observable from the client side.
package fakestratadb

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratadb/stratadb-go/go/stprotocol/auth"
	"github.com/stratadb/stratadb-go/go/stprotocol/client"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
	"github.com/stratadb/stratadb-go/go/stprotocol/server"
)

// Default credentials every fake server accepts.
const (
	DefaultUser     = "test"
	DefaultPassword = "test"
)

// Server is a fake StrataDB server for testing.
// All methods are thread-safe.
type Server struct {
	// t receives setup failures and verification reports.
	t testing.TB

	// listener is the StrataDB protocol listener.
	listener *server.Listener

	// credentials is the mutable user store backing authentication.
	credentials *auth.StaticCredentials

	// address is the server's listening address (host:port).
	address string

	// name identifies this server in log and failure output.
	name string

	// orderMatters selects ordered (scripted) mode.
	orderMatters atomic.Bool

	// neverFail makes unmatched queries return empty results instead of errors.
	neverFail atomic.Bool

	// mu protects all the following fields, including the databases and
	// their lock state.
	mu sync.Mutex

	// databases is the catalog served to clients.
	databases map[string]*database

	// data holds canned results keyed by lowercased query text.
	data map[string]*server.Result

	// rejectedData holds errors keyed by lowercased query text.
	rejectedData map[string]error

	// patternData holds canned results keyed by query regexp.
	patternData map[string]patternEntry

	// patternCalled counts matches per registered pattern.
	patternCalled map[string]int

	// queryCalled counts executions per exact query.
	queryCalled map[string]int

	// querylog records every executed query in order.
	querylog []string

	// expectedQueries holds the scripted queries for ordered mode.
	expectedQueries []ExpectedQuery

	// expectedQueriesIndex is the position of the next scripted query.
	expectedQueriesIndex int

	// commitRejections holds messages for upcoming commits to fail with,
	// consumed one per commit.
	commitRejections []string

	// queryPatternUserCallback holds optional callbacks fired when a pattern matches.
	queryPatternUserCallback map[*regexp.Regexp]func(string)
}

type patternEntry struct {
	pattern string
	re      *regexp.Regexp
	result  *server.Result
	err     string
}

// ExpectedQuery defines the faked output for one expected query.
// It is used for ordered expected output.
type ExpectedQuery struct {
	Query       string
	QueryResult *server.Result
	Error       error
}

// New creates a new fake StrataDB server for testing.
// The server listens on a random available TCP port and accepts the
// DefaultUser/DefaultPassword pair; register more users with AddUser.
func New(t testing.TB) *Server {
	s := &Server{
		t:                        t,
		name:                     "fakestratadb",
		credentials:              auth.NewStaticCredentials(),
		databases:                make(map[string]*database),
		data:                     make(map[string]*server.Result),
		rejectedData:             make(map[string]error),
		queryCalled:              make(map[string]int),
		patternCalled:            make(map[string]int),
		queryPatternUserCallback: make(map[*regexp.Regexp]func(string)),
		patternData:              make(map[string]patternEntry),
	}

	if err := s.credentials.Add(DefaultUser, DefaultPassword); err != nil {
		t.Fatalf("fakestratadb: failed to register default user: %v", err)
	}

	// Create the handler.
	handler := &fakeHandler{server: s}

	// Create listener on random port.
	var err error
	s.listener, err = server.NewListener(server.ListenerConfig{
		Address:     "127.0.0.1:0", // Random available port.
		Handler:     handler,
		Credentials: s.credentials,
		Logger:      slog.Default(),
	})
	if err != nil {
		t.Fatalf("fakestratadb: failed to create listener: %v", err)
	}

	// Get the actual address.
	s.address = s.listener.Addr().String()

	// Start serving in background.
	go func() {
		if err := s.listener.Serve(); err != nil {
			// Don't log errors if the listener was closed intentionally.
			if !errors.Is(err, net.ErrClosed) {
				t.Logf("fakestratadb: serve error: %v", err)
			}
		}
	}()

	t.Logf("fakestratadb: listening on %s", s.address)

	return s
}

// Name returns the server's display name.
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName changes the display name used in log and failure output.
func (s *Server) SetName(name string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	return s
}

// Address returns the server's listening address.
func (s *Server) Address() string {
	return s.address
}

// ClientConfig returns a client.Config for connecting to this server with
// the default credentials.
func (s *Server) ClientConfig() *client.Config {
	return &client.Config{
		Address:     s.address,
		User:        DefaultUser,
		Password:    DefaultPassword,
		DialTimeout: 5 * time.Second,
	}
}

// AddUser registers an additional username/password pair.
func (s *Server) AddUser(username, password string) {
	if err := s.credentials.Add(username, password); err != nil {
		s.t.Fatalf("fakestratadb: failed to add user %q: %v", username, err)
	}
}

// Close closes the server and stops accepting connections.
func (s *Server) Close() {
	if err := s.listener.Close(); err != nil {
		s.t.Logf("fakestratadb: close error: %v", err)
	}
}

// OrderMatters switches the server to ordered mode, where queries must
// arrive in the scripted order.
func (s *Server) OrderMatters() {
	s.orderMatters.Store(true)
}

// SetNeverFail makes unmatched queries return empty results instead of errors.
func (s *Server) SetNeverFail(neverFail bool) {
	s.neverFail.Store(neverFail)
}

//
// Methods to register canned queries and results.
//

// AddQuery registers an exact query and the result it produces.
func (s *Server) AddQuery(q string, result *server.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(q)
	s.data[key] = result
	s.queryCalled[key] = 0
}

// AddQueryPattern registers a result for every query matching the given
// regexp. Patterns are consulted only after exact AddQuery entries miss.
// The pattern is anchored on both ends and compiled case-insensitive.
func (s *Server) AddQueryPattern(pattern string, result *server.Result) {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternData[pattern] = patternEntry{
		pattern: pattern,
		re:      re,
		result:  result,
	}
}

// RemoveQueryPattern drops a registered pattern and its match count.
func (s *Server) RemoveQueryPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patternData, pattern)
	delete(s.patternCalled, pattern)
}

// RejectQueryPattern makes every query matching the pattern fail with errMsg.
func (s *Server) RejectQueryPattern(pattern, errMsg string) {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternData[pattern] = patternEntry{
		pattern: pattern,
		re:      re,
		err:     errMsg,
	}
}

// ClearQueryPattern drops all registered patterns and their match counts.
func (s *Server) ClearQueryPattern() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternData = make(map[string]patternEntry)
	s.patternCalled = make(map[string]int)
}

// AddQueryPatternWithCallback registers a pattern like AddQueryPattern and
// additionally invokes callback with the query text on every match.
func (s *Server) AddQueryPatternWithCallback(pattern string, result *server.Result, callback func(string)) {
	s.AddQueryPattern(pattern, result)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryPatternUserCallback[s.patternData[pattern].re] = callback
}

// DeleteQuery removes an exact query registered with AddQuery.
func (s *Server) DeleteQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(query)
	delete(s.data, key)
	delete(s.queryCalled, key)
}

// DeleteAllQueries drops every registered query and pattern.
func (s *Server) DeleteAllQueries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*server.Result)
	s.patternData = make(map[string]patternEntry)
	s.queryCalled = make(map[string]int)
	s.patternCalled = make(map[string]int)
}

// AddRejectedQuery makes the given query fail with err at execution time.
func (s *Server) AddRejectedQuery(query string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedData[strings.ToLower(query)] = err
}

// DeleteRejectedQuery removes a rejection registered with AddRejectedQuery.
func (s *Server) DeleteRejectedQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejectedData, strings.ToLower(query))
}

// RejectNextCommit makes the next commit fail with the given message.
// Rejections queue up and are consumed one per commit; the failed
// transaction is consumed by the server either way.
func (s *Server) RejectNextCommit(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitRejections = append(s.commitRejections, errMsg)
}

// GetQueryCalledNum reports how many times an exact query was executed.
func (s *Server) GetQueryCalledNum(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalled[strings.ToLower(query)]
}

// GetPatternCalledNum reports how many times a pattern has matched.
func (s *Server) GetPatternCalledNum(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patternCalled[pattern]
}

// VerifyAllPatternsUsedOrFail fails the test unless every registered pattern
// matched at least once.
func (s *Server) VerifyAllPatternsUsedOrFail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unused []string
	for pattern := range s.patternData {
		if s.patternCalled[pattern] == 0 {
			unused = append(unused, pattern)
		}
	}
	if len(unused) > 0 {
		s.t.Errorf("%v: query patterns never matched: %v", s.name, unused)
	}
}

// QueryLog returns all executed queries joined with semicolons.
func (s *Server) QueryLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.querylog, ";")
}

// ResetQueryLog clears the query log.
func (s *Server) ResetQueryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querylog = nil
}

//
// Methods for the ordered query script.
//

// AddExpectedQueryResult appends one scripted query to the ordered list.
func (s *Server) AddExpectedQueryResult(entry ExpectedQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedQueries = append(s.expectedQueries, entry)
}

// AddExpectedQuery appends a scripted query with an empty result.
func (s *Server) AddExpectedQuery(q string, err error) {
	s.AddExpectedQueryResult(ExpectedQuery{
		Query:       q,
		QueryResult: &server.Result{Tag: "MATCH 0"},
		Error:       err,
	})
}

// DeleteAllEntries clears the ordered script.
func (s *Server) DeleteAllEntries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedQueries = make([]ExpectedQuery, 0)
	s.expectedQueriesIndex = 0
}

// VerifyAllExecutedOrFail fails the test if any scripted query was never
// executed.
func (s *Server) VerifyAllExecutedOrFail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expectedQueriesIndex != len(s.expectedQueries) {
		s.t.Errorf("%v: scripted queries left unexecuted: %v", s.name, s.expectedQueries[s.expectedQueriesIndex:])
	}
}

// execute handles a query inside a transaction and returns the result.
// This is called by the handler.
func (s *Server) execute(sess *session, req *server.QueryRequest) (*server.Result, error) {
	if s.orderMatters.Load() {
		return s.executeOrdered(req.Query)
	}

	key := strings.ToLower(req.Query)
	s.mu.Lock()
	s.queryCalled[key]++
	s.querylog = append(s.querylog, key)

	// Check if we should reject it.
	if err, ok := s.rejectedData[key]; ok {
		s.mu.Unlock()
		return nil, err
	}

	// Check explicit queries from AddQuery().
	if result, ok := s.data[key]; ok {
		s.mu.Unlock()
		return result, nil
	}

	// Check query patterns from AddQueryPattern().
	for _, pat := range s.patternData {
		if pat.re.MatchString(req.Query) {
			s.patternCalled[pat.pattern]++
			userCallback, ok := s.queryPatternUserCallback[pat.re]
			s.mu.Unlock()
			if ok {
				userCallback(req.Query)
			}
			if pat.err != "" {
				return nil, server.NewError(protocol.CodeQuery, pat.err)
			}
			return pat.result, nil
		}
	}

	// Nothing canned matched; try the built-in query subset.
	result, handled, err := s.executeEngineLocked(sess, req)
	s.mu.Unlock()
	if handled {
		return result, err
	}

	if s.neverFail.Load() {
		return &server.Result{Tag: "MATCH 0"}, nil
	}

	// Nothing matched.
	return nil, server.NewError(protocol.CodeQuery,
		fmt.Sprintf("query '%s' is not supported on %v", req.Query, s.name))
}

func (s *Server) executeOrdered(q string) (*server.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.expectedQueriesIndex

	if index >= len(s.expectedQueries) {
		if s.neverFail.Load() {
			return &server.Result{Tag: "MATCH 0"}, nil
		}
		s.t.Errorf("%v: query past end of script: %v >= %v (%s)", s.name, index, len(s.expectedQueries), q)
		return nil, server.NewError(protocol.CodeQuery, "query past end of script")
	}

	entry := s.expectedQueries[index]
	expected := entry.Query

	if strings.HasSuffix(expected, "*") {
		if !strings.HasPrefix(q, expected[0:len(expected)-1]) {
			if s.neverFail.Load() {
				return &server.Result{Tag: "MATCH 0"}, nil
			}
			s.t.Errorf("%v: query prefix mismatch at index %v: %v != %v", s.name, index, q, expected)
			return nil, server.NewError(protocol.CodeQuery, "query does not match script")
		}
	} else {
		if q != expected {
			if s.neverFail.Load() {
				return &server.Result{Tag: "MATCH 0"}, nil
			}
			s.t.Errorf("%v: query mismatch at index %v: %v != %v", s.name, index, q, expected)
			return nil, server.NewError(protocol.CodeQuery, "query does not match script")
		}
	}

	s.expectedQueriesIndex++
	s.t.Logf("%v: executed: %v", s.name, q)

	if entry.Error != nil {
		return nil, entry.Error
	}

	return entry.QueryResult, nil
}

// MakeRowResult builds a result whose frames decode as concept rows, one
// row map per frame. This is a convenience function for tests.
func MakeRowResult(rows []map[string]any) *server.Result {
	frames := make([][]byte, len(rows))
	for i, row := range rows {
		frame, err := msgpack.Marshal(row)
		if err != nil {
			panic(fmt.Sprintf("fakestratadb: failed to encode row: %v", err))
		}
		frames[i] = frame
	}
	return &server.Result{Frames: frames, Tag: fmt.Sprintf("MATCH %d", len(rows))}
}

// MakeDocumentResult builds a result whose frames decode as documents, one
// document per frame. This is a convenience function for tests.
func MakeDocumentResult(docs []map[string]any) *server.Result {
	frames := make([][]byte, len(docs))
	for i, doc := range docs {
		frame, err := msgpack.Marshal(doc)
		if err != nil {
			panic(fmt.Sprintf("fakestratadb: failed to encode document: %v", err))
		}
		frames[i] = frame
	}
	return &server.Result{Frames: frames, Tag: fmt.Sprintf("FETCH %d", len(docs))}
}
