package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/capability"
	"github.com/loqalabs/loqa-translate/internal/client"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/gateway"
	"github.com/loqalabs/loqa-translate/internal/i18n"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/session"
	"github.com/loqalabs/loqa-translate/internal/stt"
	"github.com/loqalabs/loqa-translate/internal/tts"
	"github.com/loqalabs/loqa-translate/internal/voice"
)

type component interface {
	Close()
	Healthy() bool
}

// voiceStack is everything that lives on the bus: the embedded server, the
// gateway responder, capability tracking, STT, TTS and voice sessions.
type voiceStack struct {
	server     *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	components []component
}

func startVoiceStack(ctx context.Context, cfg config.Config, gw *gateway.Gateway, logger *slog.Logger) (*voiceStack, error) {
	s := &voiceStack{}
	fail := func(err error) (*voiceStack, error) {
		s.Close()
		return nil, err
	}

	server, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}
	s.server = server
	busCfg := cfg.Bus
	if server != nil {
		busCfg.Servers = []string{server.ClientURL()}
	}

	s.bus, err = bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return fail(err)
	}

	s.registry, err = capability.NewRegistry(ctx, nodeConfig(cfg), s.bus, logger)
	if err != nil {
		return fail(fmt.Errorf("start capability registry: %w", err))
	}

	timeout := time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond
	if err := s.start(gateway.NewService(ctx, gw, s.bus, timeout, logger)); err != nil {
		return fail(fmt.Errorf("start gateway responder: %w", err))
	}

	recognizer, err := newRecognizer(cfg.STT)
	if err != nil {
		return fail(err)
	}
	if err := s.start(stt.NewService(ctx, cfg.STT, s.bus, recognizer, logger)); err != nil {
		return fail(fmt.Errorf("start stt: %w", err))
	}

	synth, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return fail(err)
	}
	if err := s.start(tts.NewService(ctx, cfg.TTS, s.bus, synth, logger)); err != nil {
		return fail(fmt.Errorf("start tts: %w", err))
	}

	catalog, err := i18n.New(cfg.Voice.UILocale, logger.With(slog.String("component", "i18n")))
	if err != nil {
		return fail(err)
	}
	probe := capability.NewProbe(s.registry, cfg.Voice.RecognitionCapability, cfg.Voice.MicrophoneCapability)
	translator := newTranslator(cfg, gw, s.bus, timeout)
	if err := s.start(voice.NewManager(ctx, cfg.Voice, cfg.TTS.Voice, s.bus, translator, probe, catalog, logger)); err != nil {
		return fail(fmt.Errorf("start voice sessions: %w", err))
	}
	return s, nil
}

func (s *voiceStack) start(c interface {
	component
	Start() error
}) error {
	if err := c.Start(); err != nil {
		c.Close()
		return err
	}
	s.components = append(s.components, c)
	return nil
}

// Close stops components in reverse start order, then the bus.
func (s *voiceStack) Close() {
	for i := len(s.components) - 1; i >= 0; i-- {
		s.components[i].Close()
	}
	s.components = nil
	if s.registry != nil {
		s.registry.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	s.server.Shutdown()
}

func (s *voiceStack) Healthy() bool {
	if !s.bus.Healthy() || !s.registry.Healthy() {
		return false
	}
	for _, c := range s.components {
		if !c.Healthy() {
			return false
		}
	}
	return true
}

// nodeConfig advertises recognition when this process runs STT.
func nodeConfig(cfg config.Config) config.NodeConfig {
	node := cfg.Node
	node.Capabilities = slices.Clone(node.Capabilities)
	if cfg.STT.Enabled && cfg.Voice.RecognitionCapability != "" {
		node.Capabilities = append(node.Capabilities, config.NodeCapability{Name: cfg.Voice.RecognitionCapability})
	}
	return node
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	if cfg.Mode == "exec" {
		return stt.NewExecRecognizer(cfg)
	}
	return stt.NewMockRecognizer(), nil
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	if cfg.Mode == "exec" {
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	}
	return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
}

// newTranslator picks how voice sessions reach the gateway: in-process by
// default, over the bus for "bus", or over HTTP for a URL.
func newTranslator(cfg config.Config, gw *gateway.Gateway, busClient *bus.Client, timeout time.Duration) session.Translator {
	switch url := cfg.Voice.GatewayURL; url {
	case "":
		return gateway.NewLocal(gw, "voice")
	case "bus":
		return client.NewBus(busClient, timeout)
	default:
		return client.NewHTTP(url, timeout)
	}
}
