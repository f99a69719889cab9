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

package server

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/auth"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// handleStartup runs the connection startup phase: the startup message and
// the authentication exchange. On success the client has been sent AuthOK,
// its session id, and the first Ready.
func (c *Conn) handleStartup() error {
	body, err := protocol.ReadStartupMessage(c.bufferedReader)
	if err != nil {
		return fmt.Errorf("failed to read startup message: %w", err)
	}

	reader := protocol.NewMessageReader(body)
	version, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read protocol version: %w", err)
	}
	if uint32(version) != protocol.ProtocolVersionNumber {
		return c.rejectStartup(fmt.Sprintf("unsupported protocol version: 0x%08x", uint32(version)))
	}

	// Parse key/value pairs until the empty key terminator.
	for reader.Remaining() > 0 {
		key, err := reader.ReadString()
		if err != nil {
			return fmt.Errorf("failed to read parameter key: %w", err)
		}
		if key == "" {
			break
		}
		value, err := reader.ReadString()
		if err != nil {
			return fmt.Errorf("failed to read parameter value for key %q: %w", key, err)
		}
		c.params[key] = value
	}

	user, ok := c.params[protocol.ParamUser]
	if !ok || user == "" {
		return c.rejectStartup("startup message carries no user")
	}

	c.logger.Debug("startup message parsed",
		"user", user,
		"driver_name", c.params[protocol.ParamDriverName],
		"driver_version", c.params[protocol.ParamDriverVersion])

	return c.authenticate(user)
}

// authenticate runs the salted challenge-response exchange for the announced
// user. Lookup failures and bad proofs are both reported as a generic
// authentication failure so usernames cannot be probed.
func (c *Conn) authenticate(user string) error {
	challenger := auth.NewChallenger(c.listener.credentials)

	challenge, err := challenger.IssueChallenge(c.ctx, user)
	if err != nil {
		c.logger.Debug("authentication refused", "user", user, "error", err)
		return c.rejectStartup("authentication failed")
	}

	c.startWriterBuffering()
	w := protocol.NewMessageWriter()
	w.WriteInt32(protocol.AuthSaltedChallenge)
	w.WriteByteString(challenge.Salt)
	w.WriteInt32(int32(challenge.Iterations))
	w.WriteByteString(challenge.Nonce)
	if err := c.writeMessage(protocol.MsgAuthRequest, w.Bytes()); err != nil {
		c.endWriterBuffering()
		return fmt.Errorf("failed to send challenge: %w", err)
	}
	if err := c.flush(); err != nil {
		c.endWriterBuffering()
		return fmt.Errorf("failed to flush challenge: %w", err)
	}
	c.endWriterBuffering()

	msgType, body, err := protocol.ReadMessage(c.bufferedReader)
	if err != nil {
		return fmt.Errorf("failed to read challenge response: %w", err)
	}
	if msgType != protocol.MsgAuthResponse {
		return fmt.Errorf("expected auth response, got %c (0x%02x)", msgType, msgType)
	}
	proof, err := protocol.NewMessageReader(body).ReadByteString()
	if err != nil {
		return fmt.Errorf("failed to read proof: %w", err)
	}

	if err := challenger.Verify(proof); err != nil {
		c.logger.Debug("authentication failed", "user", user)
		return c.rejectStartup("authentication failed")
	}

	c.user = challenger.AuthenticatedUser()
	c.sessionID = uuid.New()
	c.logger.Debug("authentication complete", "user", c.user, "session_id", c.sessionID)

	return c.completeStartup()
}

// completeStartup sends AuthOK, the session id, and the first Ready.
func (c *Conn) completeStartup() error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	w := protocol.NewMessageWriter()
	w.WriteInt32(protocol.AuthOK)
	if err := c.writeMessage(protocol.MsgAuthRequest, w.Bytes()); err != nil {
		return fmt.Errorf("failed to send AuthOK: %w", err)
	}

	w.Reset()
	w.WriteUUID(c.sessionID)
	if err := c.writeMessage(protocol.MsgSessionData, w.Bytes()); err != nil {
		return fmt.Errorf("failed to send session data: %w", err)
	}

	if err := c.writeReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}
	return c.flush()
}

// rejectStartup reports a fatal startup error to the client and signals the
// serve loop to drop the connection.
func (c *Conn) rejectStartup(message string) error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	if err := c.writeError("FATAL", protocol.CodeConnection, message, ""); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	return fmt.Errorf("startup rejected: %s", message)
}
