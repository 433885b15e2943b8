package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire constants for binary audio frames
const (
	// Magic marks the start of every binary audio frame
	Magic = 0xD3A1

	// Version is the current wire protocol version
	Version = 0x01

	// Direction types
	DirectionQuestion = 0x01 // Child question audio (client -> server)
	DirectionAnswer   = 0x02 // Synthesized answer audio (server -> client)

	// FrameHeaderSize is the fixed binary frame header size
	// Layout: [Magic:2][Version:1][Direction:1][Sequence:4]
	FrameHeaderSize = 8
)

// Control envelope types carried in WebSocket text frames
const (
	TypeSessionStart     = "session.start"
	TypeSessionReady     = "session.ready"
	TypeUtteranceEnd     = "utterance.end"
	TypeAnswerTranscript = "answer.transcript"
	TypeTurnComplete     = "turn.complete"
	TypeError            = "error"
	TypeSessionEnd       = "session.end"
)

// Error codes carried in Error envelopes
const (
	ErrCodeBadFrame      = "bad_frame"
	ErrCodeNotReady      = "not_ready"
	ErrCodeQuotaExceeded = "quota_exceeded"
	ErrCodeUpstream      = "upstream_unavailable"
	ErrCodeInternal      = "internal"
)

// FrameHeader represents the 8-byte binary audio frame header
type FrameHeader struct {
	Magic     uint16 // Frame marker (0xD3A1)
	Version   uint8  // Protocol version
	Direction uint8  // 0x01=question, 0x02=answer
	Sequence  uint32 // Per-direction frame sequence number
}

// AudioFrame represents a parsed binary audio frame
type AudioFrame struct {
	Header FrameHeader
	PCM    []byte // Raw little-endian PCM-16 payload
}

// Envelope is the JSON control message carried in text frames.
// Only the fields relevant to the given Type are populated.
type Envelope struct {
	Type string `json:"type"`

	// session.start (client -> server)
	ProfileID  string `json:"profile_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// session.ready (server -> client)
	SessionID        string `json:"session_id,omitempty"`
	OutputSampleRate int    `json:"output_sample_rate,omitempty"`
	StartSequence    uint32 `json:"start_sequence,omitempty"`

	// answer.transcript (server -> client)
	Role  string `json:"role,omitempty"` // "question" or "answer"
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// turn.complete (server -> client)
	QuestionID     string  `json:"question_id,omitempty"`
	QuestionSecs   float64 `json:"question_seconds,omitempty"`
	AnswerSecs     float64 `json:"answer_seconds,omitempty"`
	QuestionsToday int     `json:"questions_today,omitempty"`

	// error (server -> client)
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// ParseFrame parses a binary WebSocket message into an audio frame.
// The PCM slice aliases the input; callers that retain it must copy.
func ParseFrame(data []byte) (*AudioFrame, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("frame too short: need at least %d bytes, got %d", FrameHeaderSize, len(data))
	}

	header := FrameHeader{
		Magic:     binary.BigEndian.Uint16(data[0:2]),
		Version:   data[2],
		Direction: data[3],
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	pcm := data[FrameHeaderSize:]
	if len(pcm) == 0 {
		return nil, fmt.Errorf("frame has empty PCM payload")
	}

	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM payload length must be even (16-bit samples), got %d bytes", len(pcm))
	}

	return &AudioFrame{Header: header, PCM: pcm}, nil
}

// EncodeFrame builds a binary WebSocket message from a header and PCM payload
func EncodeFrame(direction uint8, sequence uint32, pcm []byte) ([]byte, error) {
	if direction != DirectionQuestion && direction != DirectionAnswer {
		return nil, fmt.Errorf("invalid direction: 0x%02x", direction)
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty PCM payload")
	}

	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM payload length must be even (16-bit samples), got %d bytes", len(pcm))
	}

	buf := make([]byte, FrameHeaderSize+len(pcm))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = direction
	binary.BigEndian.PutUint32(buf[4:8], sequence)
	copy(buf[FrameHeaderSize:], pcm)

	return buf, nil
}

// Validate checks frame header fields against protocol constraints
func (h *FrameHeader) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("invalid frame magic: expected 0x%04X, got 0x%04X", Magic, h.Magic)
	}

	if h.Version != Version {
		return fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	if h.Direction != DirectionQuestion && h.Direction != DirectionAnswer {
		return fmt.Errorf("invalid direction: 0x%02x", h.Direction)
	}

	return nil
}

// ParseEnvelope parses a text WebSocket message into a control envelope
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse control envelope: %w", err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("control envelope missing type")
	}

	return &env, nil
}

// EncodeEnvelope serializes a control envelope for a text frame
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("control envelope missing type")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control envelope: %w", err)
	}

	return data, nil
}

// ErrorEnvelope builds an error envelope with the given code and message
func ErrorEnvelope(code, message string, fatal bool) *Envelope {
	return &Envelope{
		Type:    TypeError,
		Code:    code,
		Message: message,
		Fatal:   fatal,
	}
}

// DirectionString converts a direction code to a human-readable string
func DirectionString(direction uint8) string {
	switch direction {
	case DirectionQuestion:
		return "question"
	case DirectionAnswer:
		return "answer"
	default:
		return fmt.Sprintf("unknown(0x%02x)", direction)
	}
}
