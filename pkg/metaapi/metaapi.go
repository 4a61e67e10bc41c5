// Package metaapi is the SDK entry point. It wires the configuration, the
// shared websocket transport, the per-account connection registry and the
// provisioning REST client into one process-scoped object:
//
//	sdk, err := metaapi.NewWithToken(token)
//	account, err := sdk.GetAccount(ctx, accountID)
//	conn, err := sdk.ConnectAccount(ctx, account, nil, time.Time{})
//	err = conn.WaitSynchronized(ctx, connection.WaitOptions{})
//
// The websocket is dialed lazily on the first ConnectAccount, so purely
// provisioning workloads never open a socket. Close tears everything down.
package metaapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"metaapi-go/internal/config"
	"metaapi-go/internal/connection"
	"metaapi-go/internal/history"
	"metaapi-go/internal/provision"
	"metaapi-go/internal/transport"
)

// SDK owns the process-wide clients. One SDK per token is enough; accounts
// multiplex over its single websocket.
type SDK struct {
	cfg          *config.Config
	logger       *zap.SugaredLogger
	transport    *transport.Client
	registry     *connection.Registry
	provisioning *provision.Client

	dialOnce sync.Once
	dialErr  error

	closeOnce sync.Once
	closeErr  error
}

// New builds an SDK from the configuration. The websocket is not dialed yet.
func New(cfg *config.Config) (*SDK, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	zlog, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := zlog.Sugar()

	tr := transport.NewClient(transport.Options{
		Token:                 cfg.Token,
		Domain:                cfg.Domain,
		Application:           cfg.Application,
		RequestTimeout:        cfg.RequestTimeout,
		ConnectTimeout:        cfg.ConnectTimeout,
		PacketOrderingTimeout: cfg.PacketOrderingTimeout,
		Logger:                logger,
	})
	registry := connection.NewRegistry(tr, connection.Settings{
		Application:          cfg.Application,
		StatusTimerTimeout:   cfg.StatusTimerTimeout,
		RetryInitialInterval: cfg.Retry.InitialInterval,
		RetryMaxInterval:     cfg.Retry.MaxInterval,
		HealthSamplePeriod:   cfg.HealthMonitor.SamplePeriod,
	}, logger)

	return &SDK{
		cfg:          cfg,
		logger:       logger,
		transport:    tr,
		registry:     registry,
		provisioning: provision.NewClient(cfg.Token, cfg.Domain, logger),
	}, nil
}

// NewWithToken builds an SDK with every knob at its default.
func NewWithToken(token string) (*SDK, error) {
	return New(config.Default(token))
}

// NewFromFile builds an SDK from a YAML configuration file with METAAPI_*
// environment overrides.
func NewFromFile(path string) (*SDK, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// ProvisioningClient exposes account management: create, deploy, undeploy,
// remove.
func (s *SDK) ProvisioningClient() *provision.Client { return s.provisioning }

// GetAccount reads a provisioned account by id.
func (s *SDK) GetAccount(ctx context.Context, accountID string) (*provision.Account, error) {
	return s.provisioning.GetAccount(ctx, accountID)
}

// GetAccounts lists the user's provisioned accounts.
func (s *SDK) GetAccounts(ctx context.Context, filter *provision.AccountsFilter) ([]*provision.Account, error) {
	return s.provisioning.GetAccounts(ctx, filter)
}

// ConnectAccount opens (or returns) the account's streaming connection. The
// shared websocket is dialed on the first call. storage may be nil for
// in-memory history; historyStart bounds how far back the first
// synchronization replays.
func (s *SDK) ConnectAccount(ctx context.Context, account connection.Account, storage history.Storage, historyStart time.Time) (*connection.Connection, error) {
	s.dialOnce.Do(func() {
		s.dialErr = s.transport.Connect(ctx)
	})
	if s.dialErr != nil {
		return nil, fmt.Errorf("connect transport: %w", s.dialErr)
	}
	return s.registry.Connect(ctx, account, storage, historyStart)
}

// Close closes every account connection and the shared websocket. Idempotent.
func (s *SDK) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.registry.CloseAll()
		if err := s.transport.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		_ = s.logger.Sync()
	})
	return s.closeErr
}
