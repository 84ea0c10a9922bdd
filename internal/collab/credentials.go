package collab

import (
	"context"
	"strings"

	"github.com/shipflow-core/server/internal/agent/model"
)

// StaticCredentials serves the one carrier account from configuration.
type StaticCredentials struct {
	cfg model.CarrierConfig
}

var _ model.Credentials = (*StaticCredentials)(nil)

func NewStaticCredentials(cfg model.CarrierConfig) *StaticCredentials {
	return &StaticCredentials{cfg: cfg}
}

// Active returns nil when the provider or environment does not match or no
// API key is configured.
func (c *StaticCredentials) Active(_ context.Context, provider, environment string) (*model.Credential, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, nil
	}
	if !strings.EqualFold(provider, c.cfg.Provider) || !strings.EqualFold(environment, c.cfg.Environment) {
		return nil, nil
	}
	return &model.Credential{
		Provider:      c.cfg.Provider,
		Environment:   c.cfg.Environment,
		AccountNumber: c.cfg.AccountNumber,
		APIKey:        c.cfg.APIKey,
	}, nil
}
