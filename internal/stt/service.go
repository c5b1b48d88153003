package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service turns audio frames into transcripts of everything captured since
// the session's last capture start. A start resets the buffer and sets the
// language; a stop pauses the session and a resume continues its buffer.
// Every control action advances the session generation, so a transcription
// still running when it arrives is discarded.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	logger     *slog.Logger
}

type sessionState struct {
	Buffer       []byte
	Language     string
	Generation   uint64
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
	Stopped      bool
}

// advance invalidates in-flight work for the session.
func (st *sessionState) advance() {
	st.Generation++
	st.Inflight = false
	st.PendingFinal = false
	st.LastPartial = time.Time{}
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	control, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureControl, s.handleControl)
	if err != nil {
		_ = frames.Drain()
		return fmt.Errorf("subscribe capture control: %w", err)
	}
	s.subs = append(s.subs, control)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 2
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode capture control", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctrl.Action {
	case protocol.CaptureStart:
		var gen uint64
		if prev := s.sessions[ctrl.SessionID]; prev != nil {
			gen = prev.Generation + 1
		}
		s.sessions[ctrl.SessionID] = &sessionState{Language: s.language(ctrl.Language), Generation: gen}
	case protocol.CaptureResume:
		state := s.sessions[ctrl.SessionID]
		if state == nil {
			s.sessions[ctrl.SessionID] = &sessionState{Language: s.language(ctrl.Language)}
			return
		}
		state.advance()
		state.Stopped = false
		if ctrl.Language != "" {
			state.Language = ctrl.Language
		}
	case protocol.CaptureStop:
		// The state is kept so the generation survives the stop and the
		// buffer is available to a resume.
		if state := s.sessions[ctrl.SessionID]; state != nil {
			state.advance()
			state.Stopped = true
		}
	default:
		s.logger.Warn("unknown capture action", slog.String("action", ctrl.Action))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{Language: s.cfg.Language}
		s.sessions[frame.SessionID] = state
	}
	if state.Stopped {
		s.mu.Unlock()
		s.logger.Debug("dropping frame for stopped capture", slog.String("session_id", frame.SessionID))
		return
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Stopped || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil || state.Stopped {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	audio := Audio{
		PCM:        append([]byte(nil), state.Buffer...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   state.Language,
		Final:      final,
	}
	gen := state.Generation
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, audio)

		s.mu.Lock()
		state := s.sessions[sessionID]
		current := state != nil && state.Generation == gen
		var pendingFinal bool
		if current {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
			if !final {
				state.LastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if !current {
			s.logger.Debug("discarding stale transcription", slog.String("session_id", sessionID), slog.Uint64("generation", gen))
			return
		}
		if err != nil {
			s.logger.Warn("stt transcription failed", slogError(err))
			s.publishError(sessionID, err)
		} else {
			s.publishTranscript(sessionID, result, audio.Language, final)
		}
		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, language string, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Language:   language,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, cause error) {
	msg := protocol.RecognitionError{SessionID: sessionID, Message: cause.Error(), Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectRecognitionError, msg); err != nil {
		s.logger.Warn("failed to publish recognition error", slogError(err))
	}
}

func (s *Service) language(requested string) string {
	if requested != "" {
		return requested
	}
	return s.cfg.Language
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
