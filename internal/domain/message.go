package domain

import (
	"encoding/json"
	"time"
)

// MessageType identifies an inter-agent bus message.
type MessageType string

// Inbound commands.
const (
	MsgPause         MessageType = "pause"
	MsgResume        MessageType = "resume"
	MsgApprove       MessageType = "approve"
	MsgReject        MessageType = "reject"
	MsgEmergencyExit MessageType = "emergency_exit"
	MsgMarketCrash   MessageType = "market_crash"
	MsgStatusRequest MessageType = "status_request"
	MsgForceCycle    MessageType = "force_cycle"
)

// Outbound reports.
const (
	MsgCycleReport     MessageType = "cycle_report"
	MsgExecutionReport MessageType = "execution_report"
	MsgAlert           MessageType = "alert"
	MsgAuditEvent      MessageType = "audit_event"
	MsgHeartbeat       MessageType = "heartbeat"
	MsgStatusReport    MessageType = "status_report"
	MsgWatchExposure   MessageType = "watch"
)

// Message is the envelope exchanged between agents.
type Message struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	// Signature is the sender wallet's EIP-191 signature over SigningBytes,
	// hex encoded. Empty when the sender has no wallet.
	Signature string `json:"signature,omitempty"`
	// Cursor is the stream position the message was read at. It is set on
	// receipt and never serialized by senders.
	Cursor string `json:"-"`
}

// SigningBytes is the canonical content covered by Signature.
func (m Message) SigningBytes() []byte {
	b := make([]byte, 0, len(m.ID)+len(m.Type)+len(m.From)+len(m.To)+len(m.Payload)+40)
	b = append(b, m.ID...)
	b = append(b, '|')
	b = append(b, m.Type...)
	b = append(b, '|')
	b = append(b, m.From...)
	b = append(b, '|')
	b = append(b, m.To...)
	b = append(b, '|')
	b = append(b, m.SentAt.UTC().Format(time.RFC3339Nano)...)
	b = append(b, '|')
	b = append(b, m.Payload...)
	return b
}

// ApprovalCommand is the payload of approve and reject messages.
type ApprovalCommand struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// PauseCommand is the payload of pause, emergency_exit and market_crash.
type PauseCommand struct {
	Reason string `json:"reason"`
}

// ExposureWatch asks the security agent to monitor an on-chain holding.
type ExposureWatch struct {
	PositionID string   `json:"position_id"`
	Strategy   Strategy `json:"strategy"`
	Asset      string   `json:"asset"`
	Chain      string   `json:"chain"`
	ValueUSD   float64  `json:"value_usd"`
}
