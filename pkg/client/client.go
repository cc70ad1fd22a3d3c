package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/escrowd/escrowd/pkg/types"
	"github.com/escrowd/escrowd/pkg/validate"
)

const defaultTimeout = 10 * time.Second

// Signer adds authentication headers to an outgoing request.
type Signer interface {
	Sign(req *http.Request) error
}

// hmacSigner signs the Date header with a recovery token.
type hmacSigner struct {
	key []byte
}

// HMACSigner returns a signer that proves possession of the hex-encoded
// recovery token via hmac-sha256 over the Date header.
func HMACSigner(tokenHex string) (Signer, error) {
	key, err := hex.DecodeString(tokenHex)
	if err != nil {
		return nil, fmt.Errorf("recovery token is not hex: %w", err)
	}
	return &hmacSigner{key: key}, nil
}

func (s *hmacSigner) Sign(req *http.Request) error {
	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("date: " + date))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", fmt.Sprintf(
		`Signature keyId="hmac",algorithm="hmac-sha256",headers="date",signature="%s"`, sig))
	return nil
}

// APIError is a non-2xx response decoded from the error contract.
type APIError struct {
	Status                int
	Code                  string                       `json:"code"`
	Message               string                       `json:"message"`
	Errors                []validate.FieldError        `json:"errors,omitempty"`
	Transition            *types.Transition            `json:"transition,omitempty"`
	RecoveryConfiguration *types.RecoveryConfiguration `json:"recovery_configuration,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client wraps the HTTP API for CLI and agent usage.
type Client struct {
	baseURL string
	hc      *http.Client
	signer  Signer
	timeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithSigner sets the default request signer.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      http.DefaultClient,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Signed returns a copy of the client using s for authentication. The
// original client is unchanged, so one base client can serve many tokens.
func (c *Client) Signed(s Signer) *Client {
	clone := *c
	clone.signer = s
	return &clone
}

func (c *Client) do(method, path string, body, out interface{}) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "UnknownError"
			apiErr.Message = resp.Status
		}
		return resp, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp, nil
}

// PIVTokenParams is the body of a PIV token create or replace.
type PIVTokenParams struct {
	GUID                  string             `json:"guid"`
	CNUUID                string             `json:"cn_uuid"`
	Serial                string             `json:"serial,omitempty"`
	Model                 string             `json:"model,omitempty"`
	Pin                   string             `json:"pin"`
	PubKeys               *types.PubKeys     `json:"pubkeys,omitempty"`
	Attestation           *types.Attestation `json:"attestation,omitempty"`
	RecoveryConfiguration string             `json:"recovery_configuration,omitempty"`
}

// CreatePIVToken enrolls a PIV token, or refreshes it when the GUID already
// exists and the client's signer proves ownership. The returned token carries
// its recovery token material.
func (c *Client) CreatePIVToken(params PIVTokenParams) (*types.PIVToken, error) {
	var token types.PIVToken
	if _, err := c.do(http.MethodPost, "/pivtokens", params, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ListPIVTokens lists enrolled tokens without secret material. Zero limit
// means no paging.
func (c *Client) ListPIVTokens(limit, offset int) ([]*types.PIVToken, error) {
	path := "/pivtokens"
	if limit > 0 || offset > 0 {
		q := url.Values{}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		path += "?" + q.Encode()
	}
	var tokens []*types.PIVToken
	if _, err := c.do(http.MethodGet, path, nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// GetPIVToken fetches one token's public record.
func (c *Client) GetPIVToken(guid string) (*types.PIVToken, error) {
	var token types.PIVToken
	if _, err := c.do(http.MethodGet, "/pivtokens/"+guid, nil, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// GetPin fetches the full record including the pin. Requires a signer.
func (c *Client) GetPin(guid string) (*types.PIVToken, error) {
	var token types.PIVToken
	if _, err := c.do(http.MethodGet, "/pivtokens/"+guid+"/pin", nil, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// UpdatePIVToken moves a token to a new compute node; cn_uuid is the only
// mutable field. Requires a signer.
func (c *Client) UpdatePIVToken(guid, cnUUID string) (*types.PIVToken, error) {
	var token types.PIVToken
	body := map[string]string{"cn_uuid": cnUUID}
	if _, err := c.do(http.MethodPut, "/pivtokens/"+guid, body, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// DeletePIVToken unenrolls a token. Requires a signer.
func (c *Client) DeletePIVToken(guid string) error {
	_, err := c.do(http.MethodDelete, "/pivtokens/"+guid, nil, nil)
	return err
}

// ReplacePIVToken swaps the token at guid for a replacement described by
// params. Requires a signer for the replaced token.
func (c *Client) ReplacePIVToken(guid string, params PIVTokenParams) (*types.PIVToken, error) {
	var token types.PIVToken
	if _, err := c.do(http.MethodPost, "/pivtokens/"+guid+"/replace", params, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ListRecoveryTokens lists the token's recovery token chain. Requires a
// signer.
func (c *Client) ListRecoveryTokens(guid string) ([]*types.RecoveryToken, error) {
	var tokens []*types.RecoveryToken
	if _, err := c.do(http.MethodGet, "/pivtokens/"+guid+"/recovery-tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// CreateRecoveryToken mints a recovery token against configUUID, or the
// active configuration when configUUID is empty. Requires a signer.
func (c *Client) CreateRecoveryToken(guid, configUUID string) (*types.RecoveryToken, error) {
	var body interface{}
	if configUUID != "" {
		body = map[string]string{"recovery_configuration": configUUID}
	}
	var rt types.RecoveryToken
	if _, err := c.do(http.MethodPost, "/pivtokens/"+guid+"/recovery-tokens", body, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// GetRecoveryToken fetches one recovery token. Requires a signer.
func (c *Client) GetRecoveryToken(guid, uuid string) (*types.RecoveryToken, error) {
	var rt types.RecoveryToken
	if _, err := c.do(http.MethodGet, "/pivtokens/"+guid+"/recovery-tokens/"+uuid, nil, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// UpdateRecoveryToken applies a lifecycle action (stage, unstage, activate,
// deactivate, expire) to one recovery token. Requires a signer.
func (c *Client) UpdateRecoveryToken(guid, uuid, action string) (*types.RecoveryToken, error) {
	var rt types.RecoveryToken
	body := map[string]string{"action": action}
	if _, err := c.do(http.MethodPut, "/pivtokens/"+guid+"/recovery-tokens/"+uuid, body, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// DeleteRecoveryToken removes one recovery token. Requires a signer.
func (c *Client) DeleteRecoveryToken(guid, uuid string) error {
	_, err := c.do(http.MethodDelete, "/pivtokens/"+guid+"/recovery-tokens/"+uuid, nil, nil)
	return err
}

// ListConfigs lists all recovery configurations.
func (c *Client) ListConfigs() ([]*types.RecoveryConfiguration, error) {
	var configs []*types.RecoveryConfiguration
	if _, err := c.do(http.MethodGet, "/recovery-configurations", nil, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// CreateConfig ingests an eBox template. Created reports whether the row is
// new; a repeated template converges on the existing row.
func (c *Client) CreateConfig(template string) (cfg *types.RecoveryConfiguration, created bool, err error) {
	cfg = &types.RecoveryConfiguration{}
	resp, err := c.do(http.MethodPost, "/recovery-configurations", template, cfg)
	if err != nil {
		return nil, false, err
	}
	return cfg, resp.StatusCode == http.StatusCreated, nil
}

// GetConfig fetches one configuration.
func (c *Client) GetConfig(uuid string) (*types.RecoveryConfiguration, error) {
	var cfg types.RecoveryConfiguration
	if _, err := c.do(http.MethodGet, "/recovery-configurations/"+uuid, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Progress is the watch view of a transition fan-out.
type Progress struct {
	RecoveryConfiguration *types.RecoveryConfiguration `json:"recovery_configuration"`
	Transition            *types.Transition            `json:"transition"`
	Targets               int                          `json:"targets"`
	Completed             int                          `json:"completed"`
	Finished              bool                         `json:"finished"`
}

// Watch fetches the progress of the newest transition named by transition.
func (c *Client) Watch(uuid, transition string) (*Progress, error) {
	path := fmt.Sprintf("/recovery-configurations/%s?action=watch&transition=%s", uuid, transition)
	var p Progress
	if _, err := c.do(http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ActionOptions tune a configuration lifecycle action.
type ActionOptions struct {
	// PIVToken narrows the fan-out to a single token's compute node.
	PIVToken string
	// Force overrides the full-staging check on activate and permits
	// single-token scoping on a multi-token fleet.
	Force bool
	// Concurrency bounds parallel node-agent submissions.
	Concurrency int
}

// ConfigAction runs one lifecycle verb (stage, unstage, activate,
// deactivate, expire, reactivate, cancel) against a configuration. For verbs
// that schedule a fan-out, the returned location is the watch URL to poll.
func (c *Client) ConfigAction(uuid, action string, opts *ActionOptions) (location string, err error) {
	q := url.Values{}
	q.Set("action", action)
	if opts != nil {
		if opts.PIVToken != "" {
			q.Set("pivtoken", opts.PIVToken)
		}
		if opts.Force {
			q.Set("force", "true")
		}
		if opts.Concurrency > 0 {
			q.Set("concurrency", strconv.Itoa(opts.Concurrency))
		}
	}

	resp, err := c.do(http.MethodPut, "/recovery-configurations/"+uuid+"?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}
	return resp.Header.Get("Location"), nil
}

// DeleteConfig removes a configuration that holds no live recovery tokens.
func (c *Client) DeleteConfig(uuid string) error {
	_, err := c.do(http.MethodDelete, "/recovery-configurations/"+uuid, nil, nil)
	return err
}

// ConfigTokens lists the fleet distribution of one configuration, token
// material stripped.
func (c *Client) ConfigTokens(uuid string) ([]*types.RecoveryToken, error) {
	var tokens []*types.RecoveryToken
	if _, err := c.do(http.MethodGet, "/recovery-configurations/"+uuid+"/recovery-tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}
