package session

import (
	"context"
	"time"
)

// Mode is the capture/playback state of a session.
type Mode int

const (
	Idle Mode = iota
	Listening
	Speaking
)

func (m Mode) String() string {
	switch m {
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return "idle"
	}
}

// Capabilities is probed once when the session starts.
type Capabilities struct {
	RecognitionSupported bool
	MicrophoneAvailable  bool
}

// Usable reports whether recording can start.
func (c Capabilities) Usable() bool {
	return c.RecognitionSupported && c.MicrophoneAvailable
}

// State is a snapshot of one session. TranscriptionError holds the raw
// recognizer message; TranslationError is already user-facing.
type State struct {
	ID                 string
	Mode               Mode
	Recording          bool
	Transcript         string
	TranslatedText     string
	SourceLang         string
	TargetLang         string
	TranslationError   string
	TranscriptionError string
	Capabilities       Capabilities
	Notice             string
}

// Recognizer runs continuous speech recognition. Transcript updates and
// runtime errors are delivered back as TranscriptChanged and
// RecognitionError events. Start begins a fresh transcript; Resume
// continues the one interrupted by Stop.
type Recognizer interface {
	Start(ctx context.Context, lang string) error
	Resume(ctx context.Context, lang string) error
	Stop(ctx context.Context) error
}

// Utterance is one synthesis job. OnEnd must be called exactly once when
// playback finishes or fails.
type Utterance struct {
	Text  string
	Lang  string
	OnEnd func()
}

type Synthesizer interface {
	Speak(ctx context.Context, u Utterance) error
	Cancel(ctx context.Context) error
}

type CapabilityProbe interface {
	SupportsRecognition(ctx context.Context) bool
	MicrophoneAvailable(ctx context.Context) bool
}

// Translator returns the translation, a *translate.StatusError for a
// non-2xx gateway reply, or any other error for transport failures.
type Translator interface {
	Translate(ctx context.Context, sessionID, text, sourceLang, targetLang string) (string, error)
}

// Messages renders user-facing strings by i18n message ID.
type Messages interface {
	Message(id string, data map[string]any) string
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Event is an input to the session loop.
type Event interface{ sessionEvent() }

// ToggleRecord starts recognition from Idle or stops it from Listening.
type ToggleRecord struct{}

// PlayTranslation speaks the current translation.
type PlayTranslation struct{}

// TranscriptChanged carries the full cumulative transcript.
type TranscriptChanged struct{ Text string }

// RecognitionError reports a recognizer runtime failure.
type RecognitionError struct{ Message string }

// SynthesisEnded is posted by the utterance's OnEnd callback.
type SynthesisEnded struct{ ResumeListening bool }

// SetLanguages changes the source and/or target language. Empty fields are
// left unchanged.
type SetLanguages struct{ Source, Target string }

type debounceFired struct{ gen uint64 }

type translationDone struct {
	seq         uint64
	translation string
	err         error
}

func (ToggleRecord) sessionEvent()      {}
func (PlayTranslation) sessionEvent()   {}
func (TranscriptChanged) sessionEvent() {}
func (RecognitionError) sessionEvent()  {}
func (SynthesisEnded) sessionEvent()    {}
func (SetLanguages) sessionEvent()      {}
func (debounceFired) sessionEvent()     {}
func (translationDone) sessionEvent()   {}
