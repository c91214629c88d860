package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/config"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/store"
	"github.com/harun/cadence/pkg/toolgateway"
)

// buildModelClient wraps every configured profile in a retrying client and
// fails over between them by priority.
func buildModelClient(ctx context.Context, cfg config.AIConfig, logger zerolog.Logger) (llm.Client, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no AI profiles configured")
	}

	profiles := make([]llm.Profile, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		client, err := llm.NewClient(ctx, llm.ProviderConfig{
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		profiles = append(profiles, llm.Profile{
			ID:       p.ID,
			Priority: p.Priority,
			Client: llm.NewRetryClient(client, llm.RetryConfig{
				MaxAttempts: cfg.MaxRetries + 1,
				Logger:      logger,
			}),
		})
	}

	if len(profiles) == 1 {
		return profiles[0].Client, nil
	}
	return llm.NewFailoverClient(profiles, llm.FailoverConfig{Logger: logger})
}

func openStore(cfg config.StoreConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		return store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Path, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func buildTools(cfg config.ToolsConfig, logger zerolog.Logger) (*toolgateway.Gateway, error) {
	g := toolgateway.New(toolgateway.Config{
		Policy:         &toolgateway.Policy{Allow: cfg.Allow, Deny: cfg.Deny},
		Timeout:        seconds(cfg.TimeoutSeconds),
		MaxOutputBytes: cfg.MaxOutputBytes,
		Logger:         logger,
	})
	if err := toolgateway.RegisterBuiltins(g, toolgateway.BuiltinOptions{}); err != nil {
		return nil, err
	}
	return g, nil
}
