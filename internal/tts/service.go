package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
)

var errCanceled = errors.New("synthesis canceled")

// Service speaks TTSRequests and publishes exactly one TTSStatus per request.
// A newer request or a TTSCancel for the same session cancels the older one.
type Service struct {
	cfg      config.TTSConfig
	bus      *bus.Client
	synth    Synthesizer
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]*job
	logger   *slog.Logger
}

type job struct {
	cancel context.CancelCauseFunc
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		synth:    synth,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*job),
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.subs = append(s.subs, sub)
	cancelSub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSCancel, s.handleCancel)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe tts cancel: %w", err)
	}
	s.subs = append(s.subs, cancelSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.TTSCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts cancel", slogError(err))
		return
	}
	s.mu.Lock()
	if j := s.inflight[req.SessionID]; j != nil {
		j.cancel(errCanceled)
	}
	s.mu.Unlock()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	current := &job{cancel: cancel}
	s.mu.Lock()
	if prev := s.inflight[req.SessionID]; prev != nil {
		prev.cancel(errCanceled)
	}
	s.inflight[req.SessionID] = current
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.inflight[req.SessionID] == current {
				delete(s.inflight, req.SessionID)
			}
			s.mu.Unlock()
			cancel(nil)
		}()

		err := s.synthesize(ctx, req)
		s.publishDone(req, err)
	}()
}

func (s *Service) synthesize(parent context.Context, req protocol.TTSRequest) error {
	ctx, cancel := context.WithTimeout(parent, 45*time.Second)
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
		Language:  req.Language,
	})
	var synthErr error
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			s.publishChunk(req, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			if cause := context.Cause(parent); cause != nil {
				return cause
			}
			return ctx.Err()
		}
	}
	if synthErr != nil {
		if cause := context.Cause(parent); cause != nil {
			return cause
		}
	}
	return synthErr
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishDone(req protocol.TTSRequest, err error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		if !errors.Is(err, errCanceled) {
			s.logger.Warn("tts synthesis failed", slog.String("session_id", req.SessionID), slogError(err))
		}
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
