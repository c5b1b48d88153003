package gateway

import (
	"context"

	"github.com/loqalabs/loqa-translate/internal/translate"
)

// Local calls a Gateway in-process with the same contract as the HTTP and
// bus clients.
type Local struct {
	gateway *Gateway
	origin  string
}

func NewLocal(g *Gateway, origin string) *Local {
	return &Local{gateway: g, origin: origin}
}

// Translate returns the translation or a *translate.StatusError.
func (l *Local) Translate(ctx context.Context, sessionID, text, sourceLang, targetLang string) (string, error) {
	ctx = WithCall(ctx, Call{SessionID: sessionID, Origin: l.origin})
	result := l.gateway.Translate(ctx, translate.NewRequest(text, sourceLang, targetLang))
	if err := result.Err(); err != nil {
		return "", err
	}
	return result.Translation, nil
}
