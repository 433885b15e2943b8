package live

// Message shapes for the live-inference wire protocol. The first client
// message must be a setup; afterwards the client streams realtimeInput
// chunks and the server answers with serverContent events.

// ClientMessage is the envelope for all client -> server messages
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
}

// Setup opens a session and fixes model, voice, and audio parameters
type Setup struct {
	Model               string               `json:"model"`
	GenerationConfig    *GenerationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction   *Content             `json:"systemInstruction,omitempty"`
	InputTranscription  *TranscriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *TranscriptionConfig `json:"outputAudioTranscription,omitempty"`
	SessionResumption   *SessionResumption   `json:"sessionResumption,omitempty"`
}

// GenerationConfig carries response modality and voice selection
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects the synthesis voice
type SpeechConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// TranscriptionConfig enables transcription for one audio direction
// (empty object per the API docs)
type TranscriptionConfig struct{}

// SessionResumption requests a resumable session; Handle resumes a prior one
type SessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

// Content is a single-role content block
type Content struct {
	Parts []Part `json:"parts,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Part is a content part: text or inline media
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries base64-encoded media
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// RealtimeInput streams audio into the session
type RealtimeInput struct {
	Audio          *InlineData `json:"audio,omitempty"`
	AudioStreamEnd bool        `json:"audioStreamEnd,omitempty"`
}

// ServerMessage is the envelope for all server -> client messages
type ServerMessage struct {
	SetupComplete           *SetupComplete           `json:"setupComplete,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
}

// SetupComplete acknowledges the setup message (empty object per docs)
type SetupComplete struct{}

// ServerContent carries model output for the current turn
type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// ModelTurn is one increment of the model's response
type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// Transcription is an incremental transcript delta
type Transcription struct {
	Text string `json:"text,omitempty"`
}

// SessionResumptionUpdate delivers an opaque handle for reconnection
type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

// GoAway warns that the server will close the connection shortly
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}
