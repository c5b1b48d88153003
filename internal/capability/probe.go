package capability

import "context"

// Probe answers session capability checks from the registry.
type Probe struct {
	registry    *Registry
	recognition string
	microphone  string
}

func NewProbe(registry *Registry, recognitionCapability, microphoneCapability string) *Probe {
	return &Probe{registry: registry, recognition: recognitionCapability, microphone: microphoneCapability}
}

func (p *Probe) SupportsRecognition(context.Context) bool {
	return p.registry.Has(p.recognition)
}

func (p *Probe) MicrophoneAvailable(context.Context) bool {
	return p.registry.Has(p.microphone)
}
