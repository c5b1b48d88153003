package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audio Audio) (TranscriptResult, error) {
	mode := "partial"
	if audio.Final {
		mode = "final"
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s %s transcript bytes=%d]", audio.Language, mode, len(audio.PCM)),
	}, nil
}
