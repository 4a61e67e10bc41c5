package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"metaapi-go/pkg/types"
)

// WaitConfig tunes the polling wait helpers. Zero values select the defaults:
// a 5 second reload interval and a 300 second deadline.
type WaitConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

func (w WaitConfig) withDefaults() WaitConfig {
	if w.Timeout <= 0 {
		w.Timeout = 300 * time.Second
	}
	if w.Interval <= 0 {
		w.Interval = 5 * time.Second
	}
	return w
}

// Account is a provisioned terminal account. Accessors read the last loaded
// snapshot; Reload refreshes it from the API. Lifecycle methods schedule the
// transition and reload, the Wait helpers poll until the terminal actually
// arrives at the target state.
type Account struct {
	mu     sync.RWMutex
	data   AccountDto
	client *Client
}

// ID returns the account id. Together with Application it lets the account
// open a streaming connection through the registry.
func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.ID
}

// Application returns the application the account is connected under.
func (a *Account) Application() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Application
}

// Name returns the human-readable account name.
func (a *Account) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Name
}

// Type returns the account type, cloud or self-hosted.
func (a *Account) Type() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Type
}

// Login returns the terminal login.
func (a *Account) Login() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Login
}

// Server returns the terminal server name.
func (a *Account) Server() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Server
}

// Magic returns the magic number trades are placed with.
func (a *Account) Magic() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Magic
}

// State returns the deployment state as of the last reload.
func (a *Account) State() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.State
}

// ConnectionStatus returns the terminal/broker connection status as of the
// last reload.
func (a *Account) ConnectionStatus() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.ConnectionStatus
}

// AccessToken returns the account-scoped access token, when the API issued
// one.
func (a *Account) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.AccessToken
}

// Reload refreshes the snapshot from the API.
func (a *Account) Reload(ctx context.Context) error {
	dto, err := a.client.getAccountDto(ctx, a.ID())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.data = *dto
	a.mu.Unlock()
	return nil
}

// Deploy schedules the terminal to start and reloads.
func (a *Account) Deploy(ctx context.Context) error {
	if err := a.client.DeployAccount(ctx, a.ID()); err != nil {
		return err
	}
	return a.Reload(ctx)
}

// Undeploy schedules the terminal to stop and reloads.
func (a *Account) Undeploy(ctx context.Context) error {
	if err := a.client.UndeployAccount(ctx, a.ID()); err != nil {
		return err
	}
	return a.Reload(ctx)
}

// Redeploy schedules a terminal restart and reloads.
func (a *Account) Redeploy(ctx context.Context) error {
	if err := a.client.RedeployAccount(ctx, a.ID()); err != nil {
		return err
	}
	return a.Reload(ctx)
}

// Update changes the account's mutable fields and reloads.
func (a *Account) Update(ctx context.Context, update AccountUpdateDto) error {
	if err := a.client.UpdateAccount(ctx, a.ID(), update); err != nil {
		return err
	}
	return a.Reload(ctx)
}

// Remove schedules the account for deletion. Cloud accounts transition to
// DELETING and disappear later; self-hosted accounts are gone immediately, in
// which case the confirming reload's not-found answer is the success signal.
func (a *Account) Remove(ctx context.Context) error {
	if err := a.client.DeleteAccount(ctx, a.ID()); err != nil {
		return err
	}
	if a.Type() == "self-hosted" {
		return nil
	}
	if err := a.Reload(ctx); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

// WaitDeployed polls until the account reaches DEPLOYED.
func (a *Account) WaitDeployed(ctx context.Context, cfg WaitConfig) error {
	return a.waitState(ctx, cfg, "deployed", func() bool { return a.State() == StateDeployed })
}

// WaitUndeployed polls until the account reaches UNDEPLOYED.
func (a *Account) WaitUndeployed(ctx context.Context, cfg WaitConfig) error {
	return a.waitState(ctx, cfg, "undeployed", func() bool { return a.State() == StateUndeployed })
}

// WaitConnected polls until the terminal reports CONNECTED to the broker.
func (a *Account) WaitConnected(ctx context.Context, cfg WaitConfig) error {
	return a.waitState(ctx, cfg, "connected to the broker", func() bool {
		return a.ConnectionStatus() == ConnectionConnected
	})
}

func (a *Account) waitState(ctx context.Context, cfg WaitConfig, what string, reached func() bool) error {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Timeout)

	if err := a.Reload(ctx); err != nil {
		return err
	}
	for !reached() {
		if time.Now().After(deadline) {
			return fmt.Errorf("account %s not %s within %s: %w", a.ID(), what, cfg.Timeout, types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
		if err := a.Reload(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitRemoved polls until the account is gone: a reload answering not-found
// is the success signal, anything else keeps polling until the deadline.
func (a *Account) WaitRemoved(ctx context.Context, cfg WaitConfig) error {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Timeout)

	for {
		err := a.Reload(ctx)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("account %s not removed within %s: %w", a.ID(), cfg.Timeout, types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
}
