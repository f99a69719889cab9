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
	"context"
	"fmt"

	"github.com/stratadb/stratadb-go/go/stprotocol/auth"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// startup performs the connection startup handshake: the startup message,
// the authentication exchange, and the wait for the first Ready.
func (c *Conn) startup(ctx context.Context) error {
	if err := c.sendStartupMessage(); err != nil {
		return fmt.Errorf("failed to send startup message: %w", err)
	}
	return c.processStartupResponses(ctx)
}

// sendStartupMessage sends the startup message to the server.
func (c *Conn) sendStartupMessage() error {
	w := protocol.NewMessageWriter()

	w.WriteUint32(protocol.ProtocolVersionNumber)

	// User parameter (required).
	w.WriteString(protocol.ParamUser)
	w.WriteString(c.config.User)

	// Driver identification (optional).
	if c.config.DriverName != "" {
		w.WriteString(protocol.ParamDriverName)
		w.WriteString(c.config.DriverName)
	}
	if c.config.DriverVersion != "" {
		w.WriteString(protocol.ParamDriverVersion)
		w.WriteString(c.config.DriverVersion)
	}

	// Empty key terminates the parameter list.
	w.WriteByte(0)

	if err := protocol.WriteStartupMessage(c.bufferedWriter, w.Bytes()); err != nil {
		return err
	}
	return c.flush()
}

// processStartupResponses processes all messages until the first Ready.
func (c *Conn) processStartupResponses(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, body, err := c.readMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		switch msgType {
		case protocol.MsgAuthRequest:
			if err := c.handleAuthRequest(body); err != nil {
				return err
			}

		case protocol.MsgSessionData:
			if err := c.handleSessionData(body); err != nil {
				return err
			}

		case protocol.MsgReady:
			// Startup complete.
			return c.handleReady(body)

		case protocol.MsgErrorResponse:
			return parseError(body)

		case protocol.MsgNoticeResponse:
			// Notices carry no handshake state; skip them.

		default:
			return fmt.Errorf("unexpected message %c (0x%02x) during startup", msgType, msgType)
		}
	}
}

// handleAuthRequest handles an authentication request message.
func (c *Conn) handleAuthRequest(body []byte) error {
	reader := protocol.NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}

	switch authType {
	case protocol.AuthOK:
		// Authentication successful, nothing more to do.
		return nil

	case protocol.AuthSaltedChallenge:
		return c.answerChallenge(reader)

	default:
		return fmt.Errorf("unsupported authentication method: %d", authType)
	}
}

// answerChallenge computes and sends the proof for a salted challenge.
func (c *Conn) answerChallenge(reader *protocol.MessageReader) error {
	salt, err := reader.ReadByteString()
	if err != nil {
		return fmt.Errorf("failed to read salt: %w", err)
	}
	iterations, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read iteration count: %w", err)
	}
	if iterations <= 0 {
		return fmt.Errorf("invalid iteration count: %d", iterations)
	}
	nonce, err := reader.ReadByteString()
	if err != nil {
		return fmt.Errorf("failed to read nonce: %w", err)
	}

	storedKey := auth.StoredKeyFromPassword(c.config.Password, salt, int(iterations))
	proof := auth.ComputeProof(storedKey, nonce)

	w := protocol.NewMessageWriter()
	w.WriteByteString(proof)
	return c.writeMessage(protocol.MsgAuthResponse, w.Bytes())
}

// handleSessionData stores the session id assigned by the server.
func (c *Conn) handleSessionData(body []byte) error {
	reader := protocol.NewMessageReader(body)
	id, err := reader.ReadUUID()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	c.sessionID = id
	return nil
}

// handleReady records the session status from a Ready message.
func (c *Conn) handleReady(body []byte) error {
	if len(body) < 1 {
		return fmt.Errorf("ready message too short")
	}
	c.status = protocol.SessionStatus(body[0])
	return nil
}
