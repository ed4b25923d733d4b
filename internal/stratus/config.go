package stratus

import (
	"log/slog"

	"github.com/njoerd114/stratussync/internal/config"
	"github.com/njoerd114/stratussync/internal/model"
)

// NewClientFromConfig builds a Client with its transport, retry ceiling,
// pacing and breaker taken from the partner config block. p must already be
// validated so its defaults are filled in.
func NewClientFromConfig(p config.PartnerConfig, logger *slog.Logger) (*Client, error) {
	creds := make(map[model.Family]Credentials, len(model.Families))
	for _, f := range model.Families {
		c := p.For(f)
		creds[f] = Credentials{Username: c.Username, Password: c.Password}
	}

	transport := NewTransport(
		WithAttemptTimeout(p.AttemptTimeout),
		WithMaxAttempts(p.MaxAttempts),
		WithRateLimit(p.RequestsPerSecond),
		WithLogger(logger),
	)

	return NewClient(Options{
		BaseURL:          p.BaseURL,
		Credentials:      creds,
		Transport:        transport,
		BreakerThreshold: p.BreakerThreshold,
		BreakerTimeout:   p.BreakerTimeout,
		Logger:           logger,
	})
}
