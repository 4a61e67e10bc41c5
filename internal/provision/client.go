// Package provision manages terminal accounts through the provisioning REST
// API: listing, creating, deploying, undeploying and removing accounts. A
// provisioned Account satisfies the streaming registry's account contract, so
// it can be handed straight to the connection layer once deployed.
package provision

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"metaapi-go/pkg/types"
)

// DeploymentState values reported by the provisioning API.
const (
	StateCreated     = "CREATED"
	StateDeploying   = "DEPLOYING"
	StateDeployed    = "DEPLOYED"
	StateUndeploying = "UNDEPLOYING"
	StateUndeployed  = "UNDEPLOYED"
	StateDeleting    = "DELETING"
)

// ConnectionStatus values reported by the provisioning API.
const (
	ConnectionDisconnected           = "DISCONNECTED"
	ConnectionConnected              = "CONNECTED"
	ConnectionDisconnectedFromBroker = "DISCONNECTED_FROM_BROKER"
)

// AccountDto is the provisioning API's account representation.
type AccountDto struct {
	ID                    string `json:"_id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"` // cloud or self-hosted
	Login                 string `json:"login"`
	Server                string `json:"server"`
	ProvisioningProfileID string `json:"provisioningProfileId"`
	Application           string `json:"application"`
	Magic                 int    `json:"magic"`
	State                 string `json:"state"`
	ConnectionStatus      string `json:"connectionStatus"`
	SynchronizationMode   string `json:"synchronizationMode"`
	AccessToken           string `json:"accessToken"`
}

// NewAccountDto carries the fields for account creation. Password is write
// only and never echoed back by the API.
type NewAccountDto struct {
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	Login                 string `json:"login"`
	Password              string `json:"password"`
	Server                string `json:"server"`
	ProvisioningProfileID string `json:"provisioningProfileId"`
	Application           string `json:"application"`
	Magic                 int    `json:"magic"`
	SynchronizationMode   string `json:"synchronizationMode,omitempty"`
}

// AccountUpdateDto carries the mutable account fields for updates.
type AccountUpdateDto struct {
	Name                string `json:"name,omitempty"`
	Password            string `json:"password,omitempty"`
	Server              string `json:"server,omitempty"`
	SynchronizationMode string `json:"synchronizationMode,omitempty"`
}

// AccountsFilter narrows GetAccounts. Zero fields are omitted.
type AccountsFilter struct {
	ProvisioningProfileID string
}

// Client is the provisioning REST API client.
type Client struct {
	http   *resty.Client
	logger *zap.SugaredLogger
}

// NewClient creates a provisioning client for the domain, authenticating
// every request with the token.
func NewClient(token, domain string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("https://mt-provisioning-api-v1.%s", domain)).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("auth-token", token)

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "provision"),
	}
}

// statusError maps a non-2xx provisioning response to an error kind.
func statusError(op string, resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %s: %w", op, resp.String(), types.ErrValidation)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, types.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header().Get("Retry-After"))
		return fmt.Errorf("%s: %w", op, &types.TooManyRequestsError{
			Message:              resp.String(),
			RecommendedRetryTime: time.Now().Add(time.Duration(retryAfter) * time.Second),
		})
	default:
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode(), resp.String(), types.ErrInternal)
	}
}

// GetAccounts lists the user's accounts, optionally filtered by provisioning
// profile.
func (c *Client) GetAccounts(ctx context.Context, filter *AccountsFilter) ([]*Account, error) {
	req := c.http.R().SetContext(ctx)
	if filter != nil && filter.ProvisioningProfileID != "" {
		req.SetQueryParam("provisioningProfileId", filter.ProvisioningProfileID)
	}

	var dtos []AccountDto
	resp, err := req.SetResult(&dtos).Get("/users/current/accounts")
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError("get accounts", resp)
	}

	accounts := make([]*Account, len(dtos))
	for i, dto := range dtos {
		accounts[i] = &Account{data: dto, client: c}
	}
	return accounts, nil
}

// GetAccount reads one account by id.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	dto, err := c.getAccountDto(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Account{data: *dto, client: c}, nil
}

func (c *Client) getAccountDto(ctx context.Context, accountID string) (*AccountDto, error) {
	var dto AccountDto
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dto).
		Get("/users/current/accounts/" + accountID)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError("get account "+accountID, resp)
	}
	return &dto, nil
}

// CreateAccount registers a new account and returns its entity. The terminal
// starts undeployed; call Deploy (or the wait helpers) afterwards.
func (c *Client) CreateAccount(ctx context.Context, spec NewAccountDto) (*Account, error) {
	var created struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(spec).
		SetResult(&created).
		Post("/users/current/accounts")
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, statusError("create account", resp)
	}

	c.logger.Infow("account created", "account_id", created.ID, "name", spec.Name)
	return c.GetAccount(ctx, created.ID)
}

// DeleteAccount schedules the account for deletion. Cloud accounts linger in
// DELETING for a while; WaitRemoved observes the final disappearance.
func (c *Client) DeleteAccount(ctx context.Context, accountID string) error {
	return c.lifecycle(ctx, accountID, http.MethodDelete, "")
}

// DeployAccount schedules the account's terminal to start.
func (c *Client) DeployAccount(ctx context.Context, accountID string) error {
	return c.lifecycle(ctx, accountID, http.MethodPost, "/deploy")
}

// UndeployAccount schedules the account's terminal to stop.
func (c *Client) UndeployAccount(ctx context.Context, accountID string) error {
	return c.lifecycle(ctx, accountID, http.MethodPost, "/undeploy")
}

// RedeployAccount schedules a terminal restart.
func (c *Client) RedeployAccount(ctx context.Context, accountID string) error {
	return c.lifecycle(ctx, accountID, http.MethodPost, "/redeploy")
}

func (c *Client) lifecycle(ctx context.Context, accountID, method, action string) error {
	req := c.http.R().SetContext(ctx)
	url := "/users/current/accounts/" + accountID + action

	var resp *resty.Response
	var err error
	if method == http.MethodDelete {
		resp, err = req.Delete(url)
	} else {
		resp, err = req.Post(url)
	}
	if err != nil {
		return fmt.Errorf("account %s%s: %w", accountID, action, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return statusError("account "+accountID+action, resp)
	}
	return nil
}

// UpdateAccount changes the account's mutable fields.
func (c *Client) UpdateAccount(ctx context.Context, accountID string, update AccountUpdateDto) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(update).
		Put("/users/current/accounts/" + accountID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", accountID, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return statusError("update account "+accountID, resp)
	}
	return nil
}
