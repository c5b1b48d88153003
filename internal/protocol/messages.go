package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript carries the cumulative recognized text of a capture session.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Capture actions sent to edge devices and the STT service.
const (
	CaptureStart  = "start"
	CaptureResume = "resume"
	CaptureStop   = "stop"
)

// CaptureControl starts, resumes or stops continuous recognition for a
// session. Resume keeps the audio buffered before the last stop.
type CaptureControl struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognitionError reports a runtime recognition failure for a session.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TranslateRequest is the bus form of a gateway call.
type TranslateRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Text       any    `json:"text"`
	SourceLang any    `json:"sourceLang"`
	TargetLang any    `json:"targetLang"`
	TraceID    string `json:"trace_id,omitempty"`
}

// TranslateReply mirrors the HTTP response: Translation on success, Error and
// Status otherwise.
type TranslateReply struct {
	Translation string `json:"translation,omitempty"`
	Error       string `json:"error,omitempty"`
	Status      int    `json:"status"`
}

// TTSRequest asks the synthesis service to speak text in a language.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// TTSCancel stops any in-flight synthesis for a session.
type TTSCancel struct {
	SessionID string `json:"session_id"`
}

// AudioChunk is synthesized PCM addressed to a playback target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus is published exactly once per TTSRequest, after the last chunk
// or on failure.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Voice control actions.
const (
	VoiceToggleRecord    = "toggle_record"
	VoicePlayTranslation = "play_translation"
	VoiceSetLanguages    = "set_languages"
	VoiceClose           = "close"
)

// VoiceControl is a user action forwarded from an edge device.
type VoiceControl struct {
	SessionID  string `json:"session_id"`
	Action     string `json:"action"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
}

// VoiceState is the session snapshot published after every change.
type VoiceState struct {
	SessionID          string    `json:"session_id"`
	Mode               string    `json:"mode"`
	Recording          bool      `json:"recording"`
	Transcript         string    `json:"transcript"`
	Translation        string    `json:"translation"`
	SourceLang         string    `json:"source_lang"`
	TargetLang         string    `json:"target_lang"`
	TranslationError   string    `json:"translation_error,omitempty"`
	TranscriptionError string    `json:"transcription_error,omitempty"`
	Notice             string    `json:"notice,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectCaptureControl     = "audio.capture.control"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectRecognitionError   = "stt.error"
	SubjectTranslateRequest   = "translate.request"
	SubjectTTSRequest         = "tts.request"
	SubjectTTSAudio           = "tts.audio"
	SubjectTTSDone            = "tts.done"
	SubjectTTSCancel          = "tts.cancel"
	SubjectVoiceControlPrefix = "voice.control"
	SubjectVoiceStatePrefix   = "voice.state"
)

// VoiceControlSubject returns the control subject for one session.
func VoiceControlSubject(sessionID string) string {
	return SubjectVoiceControlPrefix + "." + sessionID
}

// VoiceStateSubject returns the state subject for one session.
func VoiceStateSubject(sessionID string) string {
	return SubjectVoiceStatePrefix + "." + sessionID
}
