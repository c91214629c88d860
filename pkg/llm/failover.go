package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/observability"
)

// ErrAllProvidersCoolingDown is returned when every profile is in cooldown.
var ErrAllProvidersCoolingDown = errors.New("all provider profiles are cooling down")

// Profile is one credentialed provider client.
type Profile struct {
	ID       string
	Priority int // lower is tried first
	Client   Client
}

type profileState struct {
	Profile
	failures      int
	cooldownUntil time.Time
}

// FailoverConfig configures FailoverClient.
type FailoverConfig struct {
	// CooldownUnit is multiplied by the consecutive failure count, default one minute.
	CooldownUnit time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// FailoverClient tries profiles in priority order, parking failing ones in
// an escalating cooldown.
type FailoverClient struct {
	mu           sync.Mutex
	profiles     []*profileState
	cooldownUnit time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewFailoverClient creates a failover client over profiles.
func NewFailoverClient(profiles []Profile, cfg FailoverConfig) (*FailoverClient, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}
	if cfg.CooldownUnit <= 0 {
		cfg.CooldownUnit = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	states := make([]*profileState, 0, len(profiles))
	for _, p := range profiles {
		if p.Client == nil {
			return nil, fmt.Errorf("profile %s: client is required", p.ID)
		}
		states = append(states, &profileState{Profile: p})
	}
	sort.SliceStable(states, func(i, j int) bool { return states[i].Priority < states[j].Priority })

	return &FailoverClient{
		profiles:     states,
		cooldownUnit: cfg.CooldownUnit,
		logger:       cfg.Logger.With().Str("component", "llm_failover").Logger(),
		now:          cfg.Now,
	}, nil
}

// Provider names the highest priority profile's provider.
func (f *FailoverClient) Provider() string {
	return f.profiles[0].Client.Provider()
}

func (f *FailoverClient) Chat(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := f.each(ctx, func(c Client) (bool, error) {
		var err error
		resp, err = c.Chat(ctx, req)
		return true, err
	})
	return resp, err
}

func (f *FailoverClient) StreamChat(ctx context.Context, req Request, h StreamHandler) error {
	err := f.each(ctx, func(c Client) (bool, error) {
		delivered := false
		inner := StreamHandler{
			OnToken: func(token string) error {
				delivered = true
				return h.token(token)
			},
			OnComplete: h.OnComplete,
		}
		err := c.StreamChat(ctx, req, inner)
		// a partially delivered stream cannot move to another profile
		return !delivered, err
	})
	if err != nil {
		return h.finish(nil, err)
	}
	return nil
}

// each runs call against available profiles until one succeeds, a
// permanent error occurs, or call reports it must not fail over.
func (f *FailoverClient) each(ctx context.Context, call func(Client) (bool, error)) error {
	var lastErr error
	attempted := 0

	for _, p := range f.snapshot() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.coolingDown(p) {
			observability.SetProviderCooldown(p.Client.Provider(), true)
			f.logger.Debug().Str("profile_id", p.ID).Msg("Skipping profile in cooldown")
			continue
		}

		attempted++
		canFailover, err := call(p.Client)
		if err == nil {
			f.markSuccess(p)
			return nil
		}

		lastErr = err
		if IsRetryableError(err) || statusCode(err) != 0 {
			f.markFailure(p)
		}
		f.logger.Warn().Str("profile_id", p.ID).Err(err).Msg("Provider profile failed")

		if !canFailover || !IsRetryableError(err) {
			return err
		}
	}

	if attempted == 0 {
		return ErrAllProvidersCoolingDown
	}
	f.logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return fmt.Errorf("all provider profiles failed: %w", lastErr)
}

func (f *FailoverClient) snapshot() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*profileState(nil), f.profiles...)
}

func (f *FailoverClient) coolingDown(p *profileState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(p.cooldownUntil)
}

func (f *FailoverClient) markSuccess(p *profileState) {
	f.mu.Lock()
	p.failures = 0
	p.cooldownUntil = time.Time{}
	f.mu.Unlock()
	observability.SetProviderCooldown(p.Client.Provider(), false)
}

func (f *FailoverClient) markFailure(p *profileState) {
	f.mu.Lock()
	p.failures++
	p.cooldownUntil = f.now().Add(f.cooldownUnit * time.Duration(p.failures))
	f.mu.Unlock()
	observability.SetProviderCooldown(p.Client.Provider(), true)
}
