package pim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 32 << 20

	pathLogin       = "/rest/user/login"
	pathConnector   = "/rest/connectors/"
	suffixSync      = "/synchronize"
	suffixEvents    = "/events"
	suffixBeans     = "/beans"
	suffixConfig    = "/config"
	headerAuthorize = "Authorization"
)

var (
	// ErrInvalidClientConfig indicates the client configuration failed validation.
	ErrInvalidClientConfig = errors.New("pim: invalid client config")
	// ErrUnauthorized indicates the remote rejected the credentials or session.
	ErrUnauthorized = errors.New("pim: unauthorized")
	// ErrMalformedResponse indicates the remote returned a body that could not be decoded.
	ErrMalformedResponse = errors.New("pim: malformed response")
	errMissingBaseURL    = errors.New("base url is required")
	errMissingUsername   = errors.New("username is required")
	errMissingConnector  = errors.New("connector name is required")
	errEmptyToken        = errors.New("login returned an empty token")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pim: %s %s returned status %d", e.Method, e.URL, e.Code)
}

// ClientConfig bundles configuration required to talk to one remote server.
type ClientConfig struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Bean is one fetched remote object.
type Bean struct {
	Properties map[string]any `json:"properties"`
}

// Beans is the getBeans payload plus the exchange that produced it.
type Beans struct {
	Result   []Bean `json:"result"`
	Exchange events.Exchange
}

// Client is the remote API client of one server. A Client holds one session and is not
// meant to be shared by concurrent passes.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingUsername)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
	}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// Login authenticates and caches the session token.
func (c *Client) Login(ctx context.Context) error {
	payload, err := json.Marshal(loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}
	body, _, err := c.send(ctx, http.MethodPost, c.baseURL+pathLogin, payload, "")
	if err != nil {
		return err
	}
	var response loginResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("%w: login: %v", ErrMalformedResponse, err)
	}
	token := strings.TrimSpace(response.Token)
	if token == "" {
		token = strings.TrimSpace(response.SessionID)
	}
	if token == "" {
		return fmt.Errorf("%w: %v", ErrUnauthorized, errEmptyToken)
	}

	var expires time.Time
	if response.ExpiresIn > 0 {
		expires = c.clock().Add(time.Duration(response.ExpiresIn) * time.Second)
	} else {
		expires = tokenExpiry(token)
	}

	c.mu.Lock()
	c.token = token
	c.expires = expires
	c.mu.Unlock()
	c.logger.Debug("pim session established", zap.String("base_url", c.baseURL), zap.Time("expires_at", expires))
	return nil
}

// tokenExpiry reads the exp claim of a JWT session token without verifying it. Opaque
// tokens have no known expiry.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Synchronize returns the full backfill list of a connector.
func (c *Client) Synchronize(ctx context.Context, connector string) ([]events.RemoteEvent, error) {
	endpoint, err := c.connectorURL(connector, suffixSync, nil)
	if err != nil {
		return nil, err
	}
	return c.fetchEvents(ctx, endpoint)
}

// GetEvents returns the events of a connector strictly after since, ascending.
func (c *Client) GetEvents(ctx context.Context, connector string, since int64) ([]events.RemoteEvent, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	endpoint, err := c.connectorURL(connector, suffixEvents, query)
	if err != nil {
		return nil, err
	}
	return c.fetchEvents(ctx, endpoint)
}

type beansRequest struct {
	IDs []string `json:"ids"`
}

// GetBeans fetches the current state of the given objects.
func (c *Client) GetBeans(ctx context.Context, ids []string, connector string) (Beans, error) {
	endpoint, err := c.connectorURL(connector, suffixBeans, nil)
	if err != nil {
		return Beans{}, err
	}
	payload, err := json.Marshal(beansRequest{IDs: ids})
	if err != nil {
		return Beans{}, err
	}
	body, headers, err := c.authorized(ctx, http.MethodPost, endpoint, payload)
	exchange := events.Exchange{
		URL:      endpoint,
		Headers:  headers,
		Payload:  string(payload),
		Response: string(body),
	}
	if err != nil {
		return Beans{Exchange: exchange}, err
	}
	var beans Beans
	if err := json.Unmarshal(body, &beans); err != nil {
		return Beans{Exchange: exchange}, fmt.Errorf("%w: beans: %v", ErrMalformedResponse, err)
	}
	beans.Exchange = exchange
	return beans, nil
}

type configResponse struct {
	FieldConf []events.FieldConfig `json:"field_conf"`
}

// GetModuleConfig returns the field configuration of a connector.
func (c *Client) GetModuleConfig(ctx context.Context, connector string) ([]events.FieldConfig, error) {
	endpoint, err := c.connectorURL(connector, suffixConfig, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.authorized(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var response configResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrMalformedResponse, err)
	}
	return response.FieldConf, nil
}

type remoteEvent struct {
	EventID   int64    `json:"event_id"`
	ObjectID  remoteID `json:"object_id"`
	EventType int      `json:"event_type"`
}

type eventEnvelope struct {
	Result []remoteEvent `json:"result"`
	Events []remoteEvent `json:"events"`
}

func (c *Client) fetchEvents(ctx context.Context, endpoint string) ([]events.RemoteEvent, error) {
	body, _, err := c.authorized(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeEvents(body)
	if err != nil {
		return nil, err
	}
	converted := make([]events.RemoteEvent, 0, len(items))
	for _, item := range items {
		converted = append(converted, events.RemoteEvent{
			EventID:   item.EventID,
			ObjectID:  string(item.ObjectID),
			EventType: item.EventType,
		})
	}
	return converted, nil
}

func decodeEvents(body []byte) ([]remoteEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []remoteEvent
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: events: %v", ErrMalformedResponse, err)
		}
		return items, nil
	}
	var envelope eventEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: events: %v", ErrMalformedResponse, err)
	}
	if envelope.Result != nil {
		return envelope.Result, nil
	}
	return envelope.Events, nil
}

// remoteID accepts object ids sent as strings or numbers.
type remoteID string

func (r *remoteID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*r = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*r = remoteID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("object id must be a string or number: %w", err)
	}
	*r = remoteID(number.String())
	return nil
}

func (c *Client) connectorURL(connector, suffix string, query url.Values) (string, error) {
	connector = strings.TrimSpace(connector)
	if connector == "" {
		return "", errMissingConnector
	}
	endpoint := c.baseURL + pathConnector + url.PathEscape(connector) + suffix
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint, nil
}

// authorized sends a request with the session token, logging in first when there is no
// valid session and once more when the remote answers 401.
func (c *Client) authorized(ctx context.Context, method, endpoint string, payload []byte) ([]byte, map[string][]string, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	body, headers, err := c.send(ctx, method, endpoint, payload, token)
	if !errors.Is(err, ErrUnauthorized) {
		return body, headers, err
	}
	c.logger.Info("pim session rejected, logging in again", zap.String("url", endpoint))
	if err := c.Login(ctx); err != nil {
		return nil, nil, err
	}
	token, err = c.sessionToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c.send(ctx, method, endpoint, payload, token)
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expires := c.token, c.expires
	c.mu.RUnlock()
	if token != "" && (expires.IsZero() || c.clock().Before(expires)) {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, token string) ([]byte, map[string][]string, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, err
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set(headerAuthorize, "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, err
	}
	headers := map[string][]string(response.Header.Clone())
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return body, headers, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, endpoint)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return body, headers, &StatusError{Method: method, URL: endpoint, Code: response.StatusCode, Body: string(body)}
	}
	return body, headers, nil
}
