package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types understood by the broker. The dispatcher treats this set as
// closed; anything else is an ErrUnknownMessageType.
const (
	// Client originated.
	MsgPing      = "ping"
	MsgTLP       = "tlp"
	MsgComplaint = "complaint"
	MsgExit      = "exit"

	// Solver originated.
	MsgSolverResponse = "tlpSolverResponse"
	MsgStatusUpdate   = "statusUpdate"

	// Broker originated.
	MsgPong              = "pong"
	MsgSolverRequest     = "tlpSolverRequest"
	MsgTLPResponse       = "tlpResponse"
	MsgComplaintResponse = "complaintResponse"
	MsgExitResponse      = "exitResponse"

	// Connection establishment.
	MsgHandshake    = "handshake"
	MsgHandshakeAck = "handshakeAck"
)

// ErrUnknownMessageType flags an envelope outside the closed message set.
var ErrUnknownMessageType = errors.New("wire: unknown message type")

// Envelope is the outer JSON structure of every frame after decryption.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// DecodeEnvelope parses a decrypted frame into an envelope.
func DecodeEnvelope(plaintext []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("wire: envelope missing type")
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("wire: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode marshals the whole envelope for sealing.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// HandshakePayload is the first message a peer sends on a fresh connection.
// The token proves knowledge of the network secret at the application layer;
// the fingerprint is the peer's claimed identity in canonical hex.
type HandshakePayload struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
	Role        string `json:"role"`
}

// HandshakeAckPayload confirms registration to the peer.
type HandshakeAckPayload struct {
	Fingerprint string `json:"fingerprint"`
}

// TLPPayload carries a puzzle submission. Numeric fields travel as decimal
// strings because moduli exceed native integer width.
type TLPPayload struct {
	T       string `json:"t"`
	BaseG   string `json:"baseg"`
	Product string `json:"product"`
}

// SolverRequestPayload offers a task to a solver.
type SolverRequestPayload struct {
	T             string `json:"t"`
	BaseG         string `json:"baseg"`
	Product       string `json:"product"`
	AssignmentKey string `json:"assignment_key"`
}

// SolverResponsePayload returns a computed answer for an assignment.
type SolverResponsePayload struct {
	AssignmentKey string `json:"assignment_key"`
	Answer        string `json:"answer"`
}

// TLPResponsePayload delivers the answer back to the originating client.
type TLPResponsePayload struct {
	Fingerprint string `json:"fingerprint"`
	Answer      string `json:"answer"`
}

// ComplaintPayload opens a dispute over a task the client owns.
type ComplaintPayload struct {
	Complain string `json:"complain"`
}

// ComplaintResponsePayload acknowledges a filed complaint.
type ComplaintResponsePayload struct {
	ComplaintID string `json:"complaint_id"`
}

// StatusUpdatePayload lets a solver announce availability changes.
type StatusUpdatePayload struct {
	IsOnline bool `json:"is_online"`
}
