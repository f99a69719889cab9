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
	"bytes"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratadb/stratadb-go/go/stprotocol/client"
)

// ResultKind discriminates what a QueryResult carries.
type ResultKind int

const (
	// ResultOK: the query succeeded and produced no data (inserts,
	// definitions).
	ResultOK ResultKind = iota
	// ResultRows: concept rows, one per matched binding.
	ResultRows
	// ResultDocuments: loosely-typed documents (fetch and aggregate
	// queries).
	ResultDocuments
)

// ConceptRow maps query variable names to their decoded concept values.
// Concepts decode as map[string]any with at least an "iid" key; attribute
// values decode as scalars.
type ConceptRow map[string]any

// Document is a loosely-typed document returned by fetch-style queries.
type Document map[string]any

// QueryResult is the decoded outcome of one query.
type QueryResult struct {
	Kind      ResultKind
	Rows      []ConceptRow
	Documents []Document
	// Tag is the server's command completion tag, e.g. "MATCH 3".
	Tag string
}

// IsOK reports whether the result carries no data.
func (r *QueryResult) IsOK() bool {
	return r.Kind == ResultOK
}

// IsRows reports whether the result carries concept rows.
func (r *QueryResult) IsRows() bool {
	return r.Kind == ResultRows
}

// IsDocuments reports whether the result carries documents.
func (r *QueryResult) IsDocuments() bool {
	return r.Kind == ResultDocuments
}

// RowCount returns the number of concept rows.
func (r *QueryResult) RowCount() int {
	return len(r.Rows)
}

// Count extracts the scalar from a count-style result ("match ...; count;").
// It fails with a query error when the result carries no count.
func (r *QueryResult) Count() (int64, error) {
	var value any
	switch {
	case len(r.Documents) > 0:
		value = r.Documents[0]["count"]
	case len(r.Rows) > 0:
		value = r.Rows[0]["count"]
	default:
		return 0, newError(KindQuery, "result carries no count")
	}

	switch n := value.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, newError(KindQuery, "result carries no count")
	}
}

// decodeResult decodes a wire response into a QueryResult. Fetch-style
// responses (tag "FETCH n") decode as documents, everything else with data
// frames as concept rows.
func decodeResult(resp *client.Response) (*QueryResult, error) {
	result := &QueryResult{Tag: resp.Tag}
	if len(resp.Frames) == 0 {
		return result, nil
	}

	if strings.HasPrefix(resp.Tag, "FETCH") {
		result.Kind = ResultDocuments
		result.Documents = make([]Document, 0, len(resp.Frames))
		for _, frame := range resp.Frames {
			doc, err := decodeFrame[Document](frame)
			if err != nil {
				return nil, err
			}
			result.Documents = append(result.Documents, doc)
		}
		return result, nil
	}

	result.Kind = ResultRows
	result.Rows = make([]ConceptRow, 0, len(resp.Frames))
	for _, frame := range resp.Frames {
		row, err := decodeFrame[ConceptRow](frame)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// decodeFrame decodes one msgpack data frame with loose typing, so numbers
// come out as int64/uint64/float64 and nested maps as map[string]any.
func decodeFrame[T ~map[string]any](frame []byte) (T, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	dec.UseLooseInterfaceDecoding(true)
	var out T
	if err := dec.Decode(&out); err != nil {
		return nil, wrapError(KindQuery, err, "failed to decode query result")
	}
	return out, nil
}
