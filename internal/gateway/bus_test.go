package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/llm"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/translate"
)

func TestBusService(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	gen := &fakeGenerator{reply: "Bonjour"}
	svc := NewService(context.Background(), New(gen, llm.Request{}, nil, newLogger()), client, time.Second, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply protocol.TranslateReply
	if err := client.RequestJSON(ctx, protocol.SubjectTranslateRequest, protocol.TranslateRequest{SessionID: "s1", Text: "Hello", SourceLang: "en-US", TargetLang: "fr-FR"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Status != http.StatusOK || reply.Translation != "Bonjour" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	reply = protocol.TranslateReply{}
	if err := client.RequestJSON(ctx, protocol.SubjectTranslateRequest, protocol.TranslateRequest{Text: "", TargetLang: "fr-FR"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Status != http.StatusBadRequest || reply.Error != translate.MessageMissingFields {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(gen.Calls()) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(gen.Calls()))
	}
}
