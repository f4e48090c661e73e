package pim

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeRemote struct {
	t           *testing.T
	server      *httptest.Server
	logins      atomic.Int32
	rejectFirst atomic.Bool
	token       string
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	remote := &fakeRemote{t: t, token: "session-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/user/login", func(w http.ResponseWriter, r *http.Request) {
		var request loginRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Username != "sync" || request.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		remote.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": remote.token, "expires_in": 3600})
	})
	mux.HandleFunc("/rest/connectors/products/synchronize", func(w http.ResponseWriter, r *http.Request) {
		if !remote.authorized(w, r) {
			return
		}
		_, _ = w.Write([]byte(`[{"event_id":1,"object_id":"P1","event_type":2},{"event_id":2,"object_id":42,"event_type":1}]`))
	})
	mux.HandleFunc("/rest/connectors/products/events", func(w http.ResponseWriter, r *http.Request) {
		if !remote.authorized(w, r) {
			return
		}
		if r.URL.Query().Get("since") != "2" {
			t.Errorf("unexpected since parameter %q", r.URL.Query().Get("since"))
		}
		_, _ = w.Write([]byte(`{"result":[{"event_id":3,"object_id":"P1","event_type":0}]}`))
	})
	mux.HandleFunc("/rest/connectors/products/beans", func(w http.ResponseWriter, r *http.Request) {
		if !remote.authorized(w, r) {
			return
		}
		var request beansRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || len(request.IDs) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("X-Request-Id", "req-7")
		_, _ = w.Write([]byte(`{"result":[{"properties":{"name":"Chair","price":12.5}}]}`))
	})
	mux.HandleFunc("/rest/connectors/products/config", func(w http.ResponseWriter, r *http.Request) {
		if !remote.authorized(w, r) {
			return
		}
		_, _ = w.Write([]byte(`{"field_conf":[{"name":"name","type":"CEVarchar"},{"name":"price","type":"CEDouble","defaultValue":1.5}]}`))
	})
	mux.HandleFunc("/rest/connectors/broken/synchronize", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	remote.server = httptest.NewServer(mux)
	t.Cleanup(remote.server.Close)
	return remote
}

func (f *fakeRemote) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.rejectFirst.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func newTestClient(t *testing.T, remote *fakeRemote) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:  remote.server.URL + "/",
		Username: "sync",
		Password: "secret",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Username: "u"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for missing base url, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "https://pim.example.com"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for missing username, got %v", err)
	}
}

func TestClientSynchronizeAndGetEvents(t *testing.T) {
	remote := newFakeRemote(t)
	client := newTestClient(t, remote)

	items, err := client.Synchronize(t.Context(), "products")
	if err != nil {
		t.Fatalf("synchronize failed: %v", err)
	}
	if len(items) != 2 || items[0].ObjectID != "P1" || items[1].ObjectID != "42" || items[1].EventType != 1 {
		t.Fatalf("unexpected items %#v", items)
	}

	items, err = client.GetEvents(t.Context(), "products", 2)
	if err != nil {
		t.Fatalf("get events failed: %v", err)
	}
	if len(items) != 1 || items[0].EventID != 3 || items[0].EventType != 0 {
		t.Fatalf("unexpected events %#v", items)
	}
	if got := remote.logins.Load(); got != 1 {
		t.Fatalf("expected session reuse with a single login, got %d", got)
	}
}

func TestClientGetBeansRecordsExchange(t *testing.T) {
	remote := newFakeRemote(t)
	client := newTestClient(t, remote)

	beans, err := client.GetBeans(t.Context(), []string{"P1"}, "products")
	if err != nil {
		t.Fatalf("get beans failed: %v", err)
	}
	if len(beans.Result) != 1 || beans.Result[0].Properties["name"] != "Chair" {
		t.Fatalf("unexpected beans %#v", beans.Result)
	}
	if !strings.HasSuffix(beans.Exchange.URL, "/rest/connectors/products/beans") {
		t.Fatalf("unexpected exchange url %q", beans.Exchange.URL)
	}
	if beans.Exchange.Payload != `{"ids":["P1"]}` {
		t.Fatalf("unexpected exchange payload %q", beans.Exchange.Payload)
	}
	if got := beans.Exchange.Headers["X-Request-Id"]; len(got) != 1 || got[0] != "req-7" {
		t.Fatalf("expected response headers in exchange, got %v", beans.Exchange.Headers)
	}
}

func TestClientGetModuleConfig(t *testing.T) {
	remote := newFakeRemote(t)
	client := newTestClient(t, remote)

	fields, err := client.GetModuleConfig(t.Context(), "products")
	if err != nil {
		t.Fatalf("get config failed: %v", err)
	}
	if len(fields) != 2 || fields[1].Type != "CEDouble" || fields[1].DefaultValue != 1.5 {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestClientLogsInAgainAfterUnauthorized(t *testing.T) {
	remote := newFakeRemote(t)
	client := newTestClient(t, remote)
	if err := client.Login(t.Context()); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	remote.rejectFirst.Store(true)

	if _, err := client.Synchronize(t.Context(), "products"); err != nil {
		t.Fatalf("expected retry after 401 to succeed, got %v", err)
	}
	if got := remote.logins.Load(); got != 2 {
		t.Fatalf("expected a second login, got %d", got)
	}
}

func TestClientReportsBadCredentialsAndStatus(t *testing.T) {
	remote := newFakeRemote(t)
	client, err := NewClient(ClientConfig{BaseURL: remote.server.URL, Username: "sync", Password: "wrong"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.Synchronize(t.Context(), "products"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}

	client = newTestClient(t, remote)
	_, err = client.Synchronize(t.Context(), "broken")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status error 500, got %v", err)
	}
	if _, err := client.Synchronize(t.Context(), " "); !errors.Is(err, errMissingConnector) {
		t.Fatalf("expected missing connector error, got %v", err)
	}
}

func TestTokenExpiryReadsJWTClaims(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiry)})
	signed, err := token.SignedString([]byte("remote-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if got := tokenExpiry(signed); !got.Equal(expiry) {
		t.Fatalf("expected expiry %v, got %v", expiry, got)
	}
	if got := tokenExpiry("opaque-session"); !got.IsZero() {
		t.Fatalf("expected zero expiry for opaque token, got %v", got)
	}
}
