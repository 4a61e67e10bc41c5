package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"metaapi-go/pkg/types"
)

// testClient binds a provisioning client to the httptest server.
func testClient(srv *httptest.Server) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(srv.URL).
			SetHeader("Content-Type", "application/json").
			SetHeader("auth-token", "test-token"),
		logger: zap.NewNop().Sugar(),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			t.Error(err)
		}
	}
}

func TestGetAccountDecodesAndAuthenticates(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("auth-token") != "test-token" {
			writeJSON(t, w, http.StatusUnauthorized, nil)
			return
		}
		if r.URL.Path != "/users/current/accounts/acc-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, AccountDto{
			ID:          "acc-1",
			Name:        "demo",
			Login:       "50194988",
			Server:      "ICMarketsSC-Demo",
			Application: "MetaApi",
			State:       StateDeployed,
		})
	}))
	defer srv.Close()

	account, err := testClient(srv).GetAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if account.ID() != "acc-1" || account.Name() != "demo" || account.Server() != "ICMarketsSC-Demo" {
		t.Errorf("account = %s/%s/%s", account.ID(), account.Name(), account.Server())
	}
	if account.Application() != "MetaApi" {
		t.Errorf("application = %s, want MetaApi", account.Application())
	}
}

func TestStatusCodeErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, types.ErrValidation},
		{http.StatusUnauthorized, types.ErrUnauthorized},
		{http.StatusNotFound, types.ErrNotFound},
		{http.StatusTooManyRequests, types.ErrTooManyRequests},
		{http.StatusInternalServerError, types.ErrInternal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "30")
			}
			w.WriteHeader(tc.status)
		}))
		_, err := testClient(srv).GetAccount(context.Background(), "acc-x")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestCreateAccountFetchesEntity(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/users/current/accounts":
			var spec NewAccountDto
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				t.Error(err)
			}
			if spec.Name != "fresh" || spec.Password != "secret" {
				t.Errorf("spec = %+v", spec)
			}
			writeJSON(t, w, http.StatusCreated, map[string]string{"id": "acc-new"})
		case r.Method == http.MethodGet && r.URL.Path == "/users/current/accounts/acc-new":
			writeJSON(t, w, http.StatusOK, AccountDto{ID: "acc-new", Name: "fresh", State: StateCreated})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	account, err := testClient(srv).CreateAccount(context.Background(), NewAccountDto{
		Name: "fresh", Type: "cloud", Login: "1000", Password: "secret", Server: "Demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if account.ID() != "acc-new" || account.State() != StateCreated {
		t.Errorf("account = %s in %s", account.ID(), account.State())
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	var deploys, undeploys, redeploys, deletes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/users/current/accounts/acc-1/deploy":
			deploys.Add(1)
		case r.Method == http.MethodPost && r.URL.Path == "/users/current/accounts/acc-1/undeploy":
			undeploys.Add(1)
		case r.Method == http.MethodPost && r.URL.Path == "/users/current/accounts/acc-1/redeploy":
			redeploys.Add(1)
		case r.Method == http.MethodDelete && r.URL.Path == "/users/current/accounts/acc-1":
			deletes.Add(1)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := testClient(srv)
	ctx := context.Background()
	if err := client.DeployAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := client.UndeployAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := client.RedeployAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := client.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if deploys.Load() != 1 || undeploys.Load() != 1 || redeploys.Load() != 1 || deletes.Load() != 1 {
		t.Errorf("calls = %d/%d/%d/%d, want one each", deploys.Load(), undeploys.Load(), redeploys.Load(), deletes.Load())
	}
}

func TestWaitDeployedPollsUntilState(t *testing.T) {
	t.Parallel()
	var reloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := StateDeploying
		if reloads.Add(1) >= 3 {
			state = StateDeployed
		}
		writeJSON(t, w, http.StatusOK, AccountDto{ID: "acc-1", State: state})
	}))
	defer srv.Close()

	account := &Account{data: AccountDto{ID: "acc-1", State: StateCreated}, client: testClient(srv)}
	err := account.WaitDeployed(context.Background(), WaitConfig{Timeout: 2 * time.Second, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if account.State() != StateDeployed {
		t.Errorf("state = %s, want %s", account.State(), StateDeployed)
	}
	if reloads.Load() < 3 {
		t.Errorf("reloads = %d, want at least 3", reloads.Load())
	}
}

func TestWaitConnectedTimesOut(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, AccountDto{ID: "acc-1", State: StateDeployed, ConnectionStatus: ConnectionDisconnected})
	}))
	defer srv.Close()

	account := &Account{data: AccountDto{ID: "acc-1"}, client: testClient(srv)}
	err := account.WaitConnected(context.Background(), WaitConfig{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond})
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitRemovedSucceedsOnNotFound(t *testing.T) {
	t.Parallel()
	var reloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reloads.Add(1) >= 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, http.StatusOK, AccountDto{ID: "acc-1", State: StateDeleting})
	}))
	defer srv.Close()

	account := &Account{data: AccountDto{ID: "acc-1", Type: "cloud"}, client: testClient(srv)}
	err := account.WaitRemoved(context.Background(), WaitConfig{Timeout: 2 * time.Second, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("err = %v, want removal confirmed", err)
	}
}

func TestWaitRemovedTimesOutWhileAlive(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, AccountDto{ID: "acc-1", State: StateDeleting})
	}))
	defer srv.Close()

	account := &Account{data: AccountDto{ID: "acc-1", Type: "cloud"}, client: testClient(srv)}
	err := account.WaitRemoved(context.Background(), WaitConfig{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond})
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRemoveConfirmsWithReload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	account := &Account{data: AccountDto{ID: "acc-1", Type: "cloud"}, client: testClient(srv)}
	if err := account.Remove(context.Background()); err != nil {
		t.Fatalf("err = %v, a not-found confirming reload should count as success", err)
	}
}
