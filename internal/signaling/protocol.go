// Package signaling keeps one participant registered with the rendezvous
// server and relays call negotiation messages through it. The wire format
// is JSON-RPC 2.0 over a WebSocket.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/meshroom/internal/identity"
)

// RPC methods. register and signal are calls; heartbeat and the server's
// signal and error messages are notifications.
const (
	MethodRegister  = "register"
	MethodSignal    = "signal"
	MethodHeartbeat = "heartbeat"
	MethodError     = "error"
)

// RPC error codes. CodePeerUnavailable answers a signal whose target is
// not registered; CodeUnavailableID rejects a register whose peer ID is
// already taken.
const (
	CodePeerUnavailable int64 = -32001
	CodeUnavailableID   int64 = -32002
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
	KindReject    Kind = "reject"
)

// Signal is one negotiation message of one call. From and To are logical
// identities; FromPeer is the sender's suffixed registration ID.
type Signal struct {
	CallID    string                     `json:"call_id"`
	Kind      Kind                       `json:"kind"`
	From      identity.Participant       `json:"from"`
	To        identity.Participant       `json:"to"`
	FromPeer  string                     `json:"from_peer,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Validate checks the fields every kind needs.
func (s Signal) Validate() error {
	if s.CallID == "" {
		return errors.New("signal: missing call_id")
	}
	if !s.To.Valid() {
		return errors.New("signal: missing target")
	}
	switch s.Kind {
	case KindOffer, KindAnswer:
		if s.SDP == nil || s.SDP.SDP == "" {
			return fmt.Errorf("signal: %s without sdp", s.Kind)
		}
	case KindCandidate:
		if s.Candidate == nil {
			return errors.New("signal: candidate without candidate")
		}
	case KindHangup, KindReject:
	default:
		return fmt.Errorf("signal: unknown kind %q", s.Kind)
	}
	return nil
}

type RegisterParams struct {
	PeerID string `json:"peer_id"`
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

type RegisterResult struct {
	PeerID string `json:"peer_id"`
}

// ErrorParams is the payload of a server error notification.
type ErrorParams struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

type ErrorKind string

const (
	ErrorPeerUnavailable ErrorKind = "peer-unavailable"
	ErrorLostServer      ErrorKind = "lost-server"
	ErrorNetwork         ErrorKind = "network"
	ErrorServer          ErrorKind = "server-error"
	ErrorUnavailableID   ErrorKind = "unavailable-id"
)

var (
	ErrReconnectExhausted = errors.New("signaling: reconnect attempts exhausted")
	ErrClosed             = errors.New("signaling: connection destroyed")
	ErrNotConnected       = errors.New("signaling: not connected")
	ErrConnecting         = errors.New("signaling: connection attempt in progress")
)

// Error is a classified signaling failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("signaling %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the error should trigger a reconnect.
func (e *Error) Transient() bool {
	return e.Kind == ErrorPeerUnavailable || e.Kind == ErrorLostServer
}

// classify maps transport and RPC failures onto error kinds.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		kind := ErrorServer
		switch rpcErr.Code {
		case CodePeerUnavailable:
			kind = ErrorPeerUnavailable
		case CodeUnavailableID:
			kind = ErrorUnavailableID
		}
		return &Error{Kind: kind, Message: rpcErr.Message, Err: err}
	}
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return &Error{Kind: ErrorLostServer, Err: err}
	}
	return &Error{Kind: ErrorNetwork, Err: err}
}
