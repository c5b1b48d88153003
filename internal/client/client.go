// Package client calls a remote translation gateway over HTTP or the bus.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/translate"
)

// HTTP posts to {baseURL}/api/translate.
type HTTP struct {
	baseURL string
	http    *resty.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	c := resty.New()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

type translateBody struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
}

type replyBody struct {
	Translation string `json:"translation"`
	Error       string `json:"error"`
}

// Translate returns the translation, a *translate.StatusError for a non-2xx
// reply, or a transport error.
func (c *HTTP) Translate(ctx context.Context, sessionID, text, sourceLang, targetLang string) (string, error) {
	var ok, failed replyBody
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(translateBody{Text: text, SourceLang: sourceLang, TargetLang: targetLang}).
		SetResult(&ok).
		SetError(&failed)
	if sessionID != "" {
		req.SetHeader("X-Session-ID", sessionID)
	}
	resp, err := req.Post(c.baseURL + "/api/translate")
	if err != nil {
		return "", fmt.Errorf("translate request: %w", err)
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return "", &translate.StatusError{Status: resp.StatusCode(), Message: failed.Error}
	}
	return ok.Translation, nil
}

// Bus sends translate.request messages and waits for the reply.
type Bus struct {
	bus     *bus.Client
	timeout time.Duration
}

func NewBus(busClient *bus.Client, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Bus{bus: busClient, timeout: timeout}
}

func (c *Bus) Translate(ctx context.Context, sessionID, text, sourceLang, targetLang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply protocol.TranslateReply
	err := c.bus.RequestJSON(ctx, protocol.SubjectTranslateRequest, protocol.TranslateRequest{
		SessionID:  sessionID,
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Status != http.StatusOK {
		return "", &translate.StatusError{Status: reply.Status, Message: reply.Error}
	}
	return reply.Translation, nil
}
