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

package client

import (
	"fmt"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// Error represents a StrataDB server error response. Code carries the
// server's error taxonomy code (see protocol.Code* constants).
type Error struct {
	Severity string
	Code     string
	Message  string
	Detail   string
}

// Error renders the response on one line, with the detail appended when
// present.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)\nDETAIL: %s", e.Severity, e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
}

// IsCode checks whether the error carries the given taxonomy code.
func (e *Error) IsCode(code string) bool {
	return e.Code == code
}

// parseError parses an error response body into an *Error.
func parseError(body []byte) error {
	reader := protocol.NewMessageReader(body)

	e := &Error{}
	for reader.Remaining() > 0 {
		fieldType, err := reader.ReadByte()
		if err != nil {
			break
		}
		if fieldType == 0 {
			break // end-of-fields terminator
		}

		value, err := reader.ReadString()
		if err != nil {
			break
		}

		switch fieldType {
		case protocol.FieldSeverity:
			e.Severity = value
		case protocol.FieldCode:
			e.Code = value
		case protocol.FieldMessage:
			e.Message = value
		case protocol.FieldDetail:
			e.Detail = value
		}
	}

	return e
}
