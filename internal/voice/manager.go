// Package voice hosts translation sessions for edge devices on the bus.
// Devices send voice.control.<id> actions and render voice.state.<id>.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/i18n"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/session"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"github.com/nats-io/nats.go"
)

type Manager struct {
	cfg        config.VoiceConfig
	voice      string
	bus        *bus.Client
	translator session.Translator
	probe      session.CapabilityProbe
	messages   i18n.Printer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session *session.Session
	synth   *busSynthesizer
}

// NewManager wires sessions to the bus. voice is the TTS voice requested
// for playback and may be empty.
func NewManager(parent context.Context, cfg config.VoiceConfig, voice string, busClient *bus.Client, translator session.Translator, probe session.CapabilityProbe, catalog *i18n.Catalog, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:        cfg,
		voice:      voice,
		bus:        busClient,
		translator: translator,
		probe:      probe,
		messages:   catalog.Printer(cfg.UILocale),
		logger:     logger.With(slog.String("component", "voice")),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*entry),
	}
}

func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectVoiceControlPrefix + ".*", m.handleControl},
		{protocol.SubjectTranscriptPartial, m.handleTranscript},
		{protocol.SubjectTranscriptFinal, m.handleTranscript},
		{protocol.SubjectRecognitionError, m.handleRecognitionError},
		{protocol.SubjectTTSDone, m.handleTTSDone},
	}
	for _, h := range handlers {
		sub, err := m.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			m.drain()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

func (m *Manager) Close() {
	m.drain()
	m.mu.Lock()
	m.cancel()
	entries := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range entries {
		e.session.Close()
	}
	m.wg.Wait()
}

func (m *Manager) Healthy() bool {
	return !m.cfg.Enabled || len(m.subs) == 5
}

func (m *Manager) drain() {
	for _, sub := range m.subs {
		_ = sub.Drain()
	}
}

func (m *Manager) handleControl(msg *nats.Msg) {
	var ctrl protocol.VoiceControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		m.logger.Warn("failed to decode voice control", slogError(err))
		return
	}
	id := strings.TrimPrefix(msg.Subject, protocol.SubjectVoiceControlPrefix+".")
	if ctrl.SessionID != "" && ctrl.SessionID != id {
		m.logger.Warn("voice control session mismatch", slog.String("subject", msg.Subject), slog.String("session_id", ctrl.SessionID))
		return
	}

	if ctrl.Action == protocol.VoiceClose {
		m.closeSession(id)
		return
	}

	e := m.session(id)
	if e == nil {
		return
	}
	switch ctrl.Action {
	case protocol.VoiceToggleRecord:
		e.session.Post(session.ToggleRecord{})
	case protocol.VoicePlayTranslation:
		e.session.Post(session.PlayTranslation{})
	case protocol.VoiceSetLanguages:
		source, err := canonical(ctrl.SourceLang)
		if err != nil {
			m.logger.Warn("rejected source language", slog.String("session_id", id), slogError(err))
			return
		}
		target, err := canonical(ctrl.TargetLang)
		if err != nil {
			m.logger.Warn("rejected target language", slog.String("session_id", id), slogError(err))
			return
		}
		e.session.Post(session.SetLanguages{Source: source, Target: target})
	default:
		m.logger.Warn("unknown voice action", slog.String("action", ctrl.Action))
	}
}

func canonical(tag string) (string, error) {
	if tag == "" {
		return "", nil
	}
	return translate.CanonicalTag(tag)
}

func (m *Manager) handleTranscript(msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		m.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	if e := m.lookup(tr.SessionID); e != nil {
		e.session.Post(session.TranscriptChanged{Text: tr.Text})
	}
}

func (m *Manager) handleRecognitionError(msg *nats.Msg) {
	var re protocol.RecognitionError
	if err := json.Unmarshal(msg.Data, &re); err != nil {
		m.logger.Warn("failed to decode recognition error", slogError(err))
		return
	}
	if e := m.lookup(re.SessionID); e != nil {
		e.session.Post(session.RecognitionError{Message: re.Message})
	}
}

func (m *Manager) handleTTSDone(msg *nats.Msg) {
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		m.logger.Warn("failed to decode tts status", slogError(err))
		return
	}
	if status.Error != "" {
		m.logger.Warn("playback failed", slog.String("session_id", status.SessionID), slog.String("error", status.Error))
	}
	if e := m.lookup(status.SessionID); e != nil {
		e.synth.finished()
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// session returns the open session for id, creating it on first use.
func (m *Manager) session(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil
	}
	if e, ok := m.sessions[id]; ok {
		return e
	}
	synth := &busSynthesizer{bus: m.bus, sessionID: id, voice: m.voice}
	s := session.New(id, session.Deps{
		Recognizer:  &busRecognizer{bus: m.bus, sessionID: id},
		Synthesizer: synth,
		Probe:       m.probe,
		Translator:  m.translator,
		Messages:    m.messages,
	}, session.Options{
		QuietPeriod: time.Duration(m.cfg.QuietPeriodMS) * time.Millisecond,
		SourceLang:  m.cfg.DefaultSourceLang,
		TargetLang:  m.cfg.DefaultTargetLang,
		OnChange:    m.publishState,
		Logger:      m.logger,
	})
	s.Start(m.ctx)
	e := &entry{session: s, synth: synth}
	m.sessions[id] = e
	m.logger.Info("voice session opened", slog.String("session_id", id))
	return e
}

func (m *Manager) closeSession(id string) {
	m.mu.Lock()
	e := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if e == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.session.Close()
		m.logger.Info("voice session closed", slog.String("session_id", id))
	}()
}

func (m *Manager) publishState(st session.State) {
	msg := protocol.VoiceState{
		SessionID:        st.ID,
		Mode:             st.Mode.String(),
		Recording:        st.Recording,
		Transcript:       st.Transcript,
		Translation:      st.TranslatedText,
		SourceLang:       st.SourceLang,
		TargetLang:       st.TargetLang,
		TranslationError: st.TranslationError,
		Notice:           st.Notice,
		Timestamp:        time.Now().UTC(),
	}
	if st.TranscriptionError != "" {
		msg.TranscriptionError = m.messages.Message(i18n.TranscriptionError, map[string]any{"Message": st.TranscriptionError})
	}
	if err := m.bus.PublishJSON(protocol.VoiceStateSubject(st.ID), msg); err != nil {
		m.logger.Warn("failed to publish voice state", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
