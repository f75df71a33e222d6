package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpenGrant-Chain/internal/keystore"
	"OpenGrant-Chain/internal/storage"
)

func newTestController(t *testing.T, apiURL string, store storage.Store) (Controller, string) {
	t.Helper()
	keys := keystore.NewStore()
	grantee, err := keys.CreateWallet("tester")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	ctrl, err := NewController(ControllerConfig{
		ChainID:          "grantnet-1",
		APIURL:           apiURL,
		FeeGranter:       "grant1feegranter",
		ContractCodeID:   7,
		ContractChecksum: "ab12",
		GetSignerConfig:  keys.SignerProvider("tester"),
		Store:            store,
		HTTPTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, grantee
}

func newGrantService(t *testing.T, grantActive bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/discover":
			var req DiscoverRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode discover request: %v", err)
			}
			if req.Signature == "" {
				t.Fatalf("discover request must be signed")
			}
			_ = json.NewEncoder(w).Encode(DiscoverResponse{Granter: "grant1granter", Created: true})
		case "/v1/grants":
			switch r.Method {
			case http.MethodGet:
				if !grantActive {
					http.NotFound(w, r)
					return
				}
				_ = json.NewEncoder(w).Encode(GrantStatus{Active: true, ExpiresAt: time.Now().Add(time.Hour)})
			case http.MethodPost:
				var req GrantRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatalf("decode grant request: %v", err)
				}
				if req.Signature == "" || req.FeeGranter == "" {
					t.Fatalf("grant request incomplete: %+v", req)
				}
				_ = json.NewEncoder(w).Encode(GrantResponse{Granted: true, ExpiresAt: time.Now().Add(time.Hour)})
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestControllerConnectCreatesGrantAndPersists(t *testing.T) {
	srv := newGrantService(t, false)
	defer srv.Close()

	store := storage.NewMemoryStore()
	ctrl, grantee := newTestController(t, srv.URL, store)
	ctx := context.Background()

	if err := ctrl.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	state := ctrl.GetState()
	if !state.Connected {
		t.Fatalf("controller should be connected")
	}
	if state.Granter != "grant1granter" || state.Grantee != grantee {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Signer == nil {
		t.Fatalf("connected state must carry a signing handle")
	}
	signature, err := state.Signer.SignPayload("0xdeadbeef")
	if err != nil || signature == "" {
		t.Fatalf("signing handle failed: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected one persisted session, got %d", store.Len())
	}
}

func TestControllerInitializeRestoresSession(t *testing.T) {
	srv := newGrantService(t, true)
	defer srv.Close()

	store := storage.NewMemoryStore()
	ctrl, _ := newTestController(t, srv.URL, store)
	ctx := context.Background()

	if err := ctrl.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	granter := ctrl.GetState().Granter

	// A second controller over the same store simulates a process restart.
	restarted, _ := newTestControllerSharingKeys(t, srv.URL, store, ctrl)
	if err := restarted.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	state := restarted.GetState()
	if !state.Connected || state.Granter != granter {
		t.Fatalf("restored state mismatch: %+v", state)
	}
}

// newTestControllerSharingKeys rebuilds a controller that signs with the same
// wallet as src so a persisted session can match.
func newTestControllerSharingKeys(t *testing.T, apiURL string, store storage.Store, src Controller) (Controller, string) {
	t.Helper()
	impl, ok := src.(*controller)
	if !ok {
		t.Fatalf("unexpected controller type %T", src)
	}
	ctrl, err := NewController(ControllerConfig{
		ChainID:          impl.cfg.ChainID,
		APIURL:           apiURL,
		FeeGranter:       impl.cfg.FeeGranter,
		ContractCodeID:   impl.cfg.ContractCodeID,
		ContractChecksum: impl.cfg.ContractChecksum,
		GetSignerConfig:  impl.cfg.GetSignerConfig,
		Store:            store,
		HTTPTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, ""
}

func TestControllerInitializeDiscardsExpiredSession(t *testing.T) {
	srv := newGrantService(t, true)
	defer srv.Close()

	store := storage.NewMemoryStore()
	ctrl, grantee := newTestController(t, srv.URL, store)
	ctx := context.Background()

	stale := persistedSession{
		Version:   sessionBlobVersion,
		ChainID:   "grantnet-1",
		Granter:   "grant1granter",
		Grantee:   grantee,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	raw, _ := json.Marshal(stale)
	if err := store.Set(ctx, "grantd:session:grantnet-1:"+grantee, raw); err != nil {
		t.Fatalf("seed stale session: %v", err)
	}

	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if ctrl.GetState().Connected {
		t.Fatalf("expired session must not restore to connected")
	}
	if store.Len() != 0 {
		t.Fatalf("expired session blob should be removed")
	}
}

func TestControllerDestroyRemovesPersistedSession(t *testing.T) {
	srv := newGrantService(t, false)
	defer srv.Close()

	store := storage.NewMemoryStore()
	ctrl, _ := newTestController(t, srv.URL, store)
	ctx := context.Background()

	if err := ctrl.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ctrl.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if ctrl.GetState().Connected {
		t.Fatalf("destroyed controller must not stay connected")
	}
	if store.Len() != 0 {
		t.Fatalf("destroy must remove the persisted session")
	}
}
