// Package session drives one capture, translate and playback loop. All
// state is owned by a single goroutine; engines, timers and network
// completions feed it events.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/i18n"
	"github.com/loqalabs/loqa-translate/internal/translate"
)

// DefaultQuietPeriod is how long the transcript must stay unchanged before
// it is sent for translation.
const DefaultQuietPeriod = 1000 * time.Millisecond

const teardownTimeout = 2 * time.Second

// Deps are the engines a session drives.
type Deps struct {
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Probe       CapabilityProbe
	Translator  Translator
	Messages    Messages
}

// Options tune a session. Zero values pick defaults.
type Options struct {
	QuietPeriod time.Duration
	SourceLang  string
	TargetLang  string
	AfterFunc   AfterFunc
	// OnChange receives a snapshot after every handled event. It runs on
	// the loop goroutine and must not block.
	OnChange func(State)
	// OnNotice is called at most once, when capabilities are missing.
	OnNotice func(string)
	Logger   *slog.Logger
}

type envelope struct {
	ev   Event
	done chan struct{}
}

type Session struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	events chan envelope
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	snapMu   sync.RWMutex
	snapshot State

	// Loop-owned.
	state         State
	stopTimer     func() bool
	timerGen      uint64
	seq           uint64
	cancelPending context.CancelFunc
	translating   sync.WaitGroup
}

func New(id string, deps Deps, opts Options) *Session {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.SourceLang == "" {
		opts.SourceLang = translate.DefaultSourceLang
	}
	if opts.TargetLang == "" {
		opts.TargetLang = translate.DefaultTargetLang
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		events: make(chan envelope, 64),
		done:   make(chan struct{}),
	}
	s.state = State{ID: id, Mode: Idle, SourceLang: opts.SourceLang, TargetLang: opts.TargetLang}
	s.snapshot = s.state
	return s
}

// Start probes capabilities and runs the event loop until ctx is cancelled
// or Close is called.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.run(ctx)
	}()
}

// Close stops the loop, its timer, any in-flight translation, and active
// recognition or synthesis.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Post queues ev without waiting for it to be handled. It reports false
// once the session has stopped.
func (s *Session) Post(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- envelope{ev: ev}:
		return true
	case <-s.done:
		return false
	}
}

// Send queues ev and waits until the loop has handled it.
func (s *Session) Send(ctx context.Context, ev Event) error {
	env := envelope{ev: ev, done: make(chan struct{})}
	select {
	case s.events <- env:
	case <-s.done:
		return errors.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-env.done:
		return nil
	case <-s.done:
		return errors.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the latest snapshot.
func (s *Session) State() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot
}

func (s *Session) run(ctx context.Context) {
	defer s.teardown(ctx)

	s.probe(ctx)
	s.publish()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.events:
			s.handle(ctx, env.ev)
			s.publish()
			if env.done != nil {
				close(env.done)
			}
		}
	}
}

func (s *Session) probe(ctx context.Context) {
	if s.deps.Probe != nil {
		s.state.Capabilities = Capabilities{
			RecognitionSupported: s.deps.Probe.SupportsRecognition(ctx),
			MicrophoneAvailable:  s.deps.Probe.MicrophoneAvailable(ctx),
		}
	}
	if s.state.Capabilities.Usable() {
		return
	}
	s.state.Notice = s.message(i18n.CapabilityUnavailable, nil)
	s.logger.Warn("speech capture unavailable",
		slog.Bool("recognition", s.state.Capabilities.RecognitionSupported),
		slog.Bool("microphone", s.state.Capabilities.MicrophoneAvailable))
	if s.opts.OnNotice != nil {
		s.opts.OnNotice(s.state.Notice)
	}
}

func (s *Session) handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case ToggleRecord:
		s.toggleRecord(ctx)
	case PlayTranslation:
		s.playTranslation(ctx)
	case SynthesisEnded:
		s.synthesisEnded(ctx, ev.ResumeListening)
	case TranscriptChanged:
		if ev.Text == s.state.Transcript {
			return
		}
		s.state.Transcript = ev.Text
		s.rearm()
	case RecognitionError:
		s.state.TranscriptionError = ev.Message
	case SetLanguages:
		changed := false
		if ev.Source != "" && ev.Source != s.state.SourceLang {
			s.state.SourceLang = ev.Source
			changed = true
		}
		if ev.Target != "" && ev.Target != s.state.TargetLang {
			s.state.TargetLang = ev.Target
			changed = true
		}
		if changed {
			s.rearm()
		}
	case debounceFired:
		if ev.gen != s.timerGen || s.stopTimer == nil {
			return
		}
		s.stopTimer = nil
		s.dispatch(ctx)
	case translationDone:
		s.translationDone(ev)
	}
}

func (s *Session) toggleRecord(ctx context.Context) {
	switch s.state.Mode {
	case Idle:
		if !s.state.Capabilities.Usable() {
			return
		}
		s.state.TranscriptionError = ""
		s.state.Transcript = ""
		s.rearm()
		if err := s.deps.Recognizer.Start(ctx, s.state.SourceLang); err != nil {
			s.logger.Warn("failed to start recognition", slogError(err))
			s.state.TranscriptionError = err.Error()
			return
		}
		s.state.Mode = Listening
		s.state.Recording = true
	case Listening:
		s.state.TranscriptionError = ""
		s.stopRecognition(ctx)
		s.state.Mode = Idle
	case Speaking:
		// Playback owns the audio path until SynthesisEnded.
	}
}

func (s *Session) playTranslation(ctx context.Context) {
	if s.state.TranslatedText == "" || s.state.Mode == Speaking {
		return
	}
	resume := s.state.Mode == Listening
	if resume {
		s.stopRecognition(ctx)
	}
	s.state.Mode = Speaking

	var once sync.Once
	utterance := Utterance{
		Text: s.state.TranslatedText,
		Lang: s.state.TargetLang,
		OnEnd: func() {
			once.Do(func() { s.Post(SynthesisEnded{ResumeListening: resume}) })
		},
	}
	if err := s.deps.Synthesizer.Speak(ctx, utterance); err != nil {
		s.logger.Warn("failed to start synthesis", slogError(err))
		s.synthesisEnded(ctx, resume)
	}
}

func (s *Session) synthesisEnded(ctx context.Context, resume bool) {
	if s.state.Mode != Speaking {
		return
	}
	s.state.Mode = Idle
	if !resume {
		return
	}
	if err := s.deps.Recognizer.Resume(ctx, s.state.SourceLang); err != nil {
		s.logger.Warn("failed to resume recognition", slogError(err))
		s.state.TranscriptionError = err.Error()
		return
	}
	s.state.Mode = Listening
	s.state.Recording = true
}

func (s *Session) stopRecognition(ctx context.Context) {
	if err := s.deps.Recognizer.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop recognition", slogError(err))
	}
	s.state.Recording = false
}

// rearm cancels any pending quiet-period timer and, when there is a
// transcript, starts a new one.
func (s *Session) rearm() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	s.timerGen++
	if s.state.Transcript == "" {
		return
	}
	gen := s.timerGen
	s.stopTimer = s.opts.AfterFunc(s.opts.QuietPeriod, func() {
		s.Post(debounceFired{gen: gen})
	})
}

func (s *Session) dispatch(ctx context.Context) {
	if s.cancelPending != nil {
		s.cancelPending()
	}
	s.seq++
	seq := s.seq
	id, text, source, target := s.state.ID, s.state.Transcript, s.state.SourceLang, s.state.TargetLang

	reqCtx, cancel := context.WithCancel(ctx)
	s.cancelPending = cancel
	s.translating.Add(1)
	go func() {
		defer s.translating.Done()
		translation, err := s.deps.Translator.Translate(reqCtx, id, text, source, target)
		// A cancelled request has been superseded or torn down.
		select {
		case s.events <- envelope{ev: translationDone{seq: seq, translation: translation, err: err}}:
		case <-reqCtx.Done():
		case <-s.done:
		}
	}()
}

func (s *Session) translationDone(ev translationDone) {
	if ev.seq != s.seq {
		return
	}
	s.cancelPending()
	s.cancelPending = nil
	if ev.err == nil {
		s.state.TranslatedText = ev.translation
		s.state.TranslationError = ""
		return
	}
	s.state.TranslatedText = ""
	var statusErr *translate.StatusError
	switch {
	case errors.As(ev.err, &statusErr) && statusErr.Message != "":
		s.state.TranslationError = statusErr.Message
	case errors.As(ev.err, &statusErr):
		s.state.TranslationError = s.message(i18n.TranslationServiceFailed, nil)
	default:
		s.state.TranslationError = s.message(i18n.TranslationFailedGeneric, nil)
	}
	s.logger.Warn("translation failed", slogError(ev.err))
}

func (s *Session) teardown(ctx context.Context) {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	if s.cancelPending != nil {
		s.cancelPending()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	switch s.state.Mode {
	case Listening:
		s.stopRecognition(stopCtx)
	case Speaking:
		if err := s.deps.Synthesizer.Cancel(stopCtx); err != nil {
			s.logger.Warn("failed to cancel synthesis", slogError(err))
		}
	}
	s.state.Mode = Idle
	s.publish()
	s.translating.Wait()
}

func (s *Session) publish() {
	s.snapMu.Lock()
	s.snapshot = s.state
	s.snapMu.Unlock()
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.state)
	}
}

func (s *Session) message(id string, data map[string]any) string {
	if s.deps.Messages == nil {
		return id
	}
	return s.deps.Messages.Message(id, data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
