// Package nexhome is a client for the NexHome smart-building employee API:
// login, MAC library search, device listing and device reverse login.
//
// Every operation is exactly one HTTP call per endpoint tried, with no retry.
// Empty results are data, not errors.
package nexhome

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultBaseURL is the US region of the vendor.
	DefaultBaseURL = "https://nexsmart-us.nexhome.ai"
	// DefaultAppID identifies the community manager web app to the vendor.
	DefaultAppID = "INTERNATIONAL_COMMUNITY_MANAGER_WEB"
	// DefaultTimeout bounds each vendor call.
	DefaultTimeout = 15 * time.Second

	// device types the vendor uses for door phones and indoor/outdoor units
	deviceTypes = "2,3,7,8,9"
	pageSize    = "10"
	maxBody     = 4 << 20
)

// Config holds the static per-deployment vendor credentials.
type Config struct {
	// BaseURLs are tried in order by Authenticate.
	BaseURLs  []string
	LoginName string
	Password  string
	AppID     string
	Language  string
	Timeout   time.Duration
}

// Client talks to the vendor API.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *log.Logger
	duration prometheus.ObserverVec
	errors   *prometheus.CounterVec
}

// The Option type describes functions that operate on Client during New.
type Option func(*Client)

// HTTPClient replaces the default otelhttp instrumented client.
func HTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// Logger will set the logger used to log vendor calls.
func Logger(l log.Logger) Option {
	return func(c *Client) {
		c.logger = &l
	}
}

// Duration will set the histogram vendor call durations are observed on.
// It must have an "op" label.
func Duration(o prometheus.ObserverVec) Option {
	return func(c *Client) {
		c.duration = o
	}
}

// Errors will set the counter vendor call failures are counted on.
// It must have "op" and "kind" labels.
func Errors(cv *prometheus.CounterVec) Option {
	return func(c *Client) {
		c.errors = cv
	}
}

// New returns a Client for cfg. LoginName and Password are required, BaseURLs,
// AppID, Language and Timeout fall back to the package defaults.
func New(cfg Config, options ...Option) (*Client, error) {
	if cfg.LoginName == "" || cfg.Password == "" {
		return nil, errors.New("vendor login name and password are required")
	}

	bases := make([]string, 0, len(cfg.BaseURLs))
	for _, b := range cfg.BaseURLs {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		u, err := url.Parse(b)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.Errorf("invalid vendor base url: %q", b)
		}
		bases = append(bases, strings.TrimSuffix(b, "/"))
	}
	if len(bases) == 0 {
		bases = []string{DefaultBaseURL}
	}
	cfg.BaseURLs = bases

	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// passwords are the login password candidates in the order they are tried.
func (c *Client) passwords() []string {
	sum := md5.Sum([]byte(c.cfg.Password))
	return []string{hex.EncodeToString(sum[:]), c.cfg.Password}
}

// Authenticate logs in to the vendor. Base URLs are tried in order, and for
// each the MD5 digest of the password and then the plain password. The first
// response carrying a token and all three identifiers wins. A network failure
// moves on to the next base URL. When every attempt fails, a rejection from
// the vendor is reported ahead of a later network failure.
func (c *Client) Authenticate(ctx context.Context) (Credential, error) {
	var last, rejected error
	for _, base := range c.cfg.BaseURLs {
		for _, password := range c.passwords() {
			cred, err := c.login(ctx, base, password)
			if err == nil {
				if c.logger != nil {
					c.logger.With("base", base, "account", cred.AccountID).Info("vendor login ok")
				}
				return cred, nil
			}
			last = err
			if errors.Is(err, ErrAuth) {
				rejected = err
			}
			if c.logger != nil {
				c.logger.With("base", base).Error(err)
			}
			if errors.Is(err, ErrNetwork) {
				break
			}
		}
	}
	if rejected != nil {
		return Credential{}, rejected
	}
	return Credential{}, last
}

func (c *Client) login(ctx context.Context, base, password string) (Credential, error) {
	body, err := json.Marshal(struct {
		LoginName string `json:"loginName"`
		Password  string `json:"password"`
	}{c.cfg.LoginName, password})
	if err != nil {
		return Credential{}, errors.Wrap(err, "marshal login body")
	}

	req, err := http.NewRequest(http.MethodPost, base+"/api/employees/account/login", bytes.NewReader(body))
	if err != nil {
		return Credential{}, errors.Wrap(err, "failed to create login request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("AppId", c.cfg.AppID)
	req.Header.Set("Referer", base+"/login")
	req.Header.Set("Origin", base)

	var w wireLogin
	env, err := c.do(ctx, "login", req, &w)
	if err != nil {
		return Credential{}, err
	}

	cred := adaptLogin(w, base)
	if !cred.Complete() {
		return Credential{}, c.fail(&Error{
			Op:      "login",
			Kind:    ErrAuth,
			Code:    string(env.Code),
			Message: env.message(),
		})
	}
	return cred, nil
}

// SearchByMAC looks mac up in the MAC library of the credential's engineering.
func (c *Client) SearchByMAC(ctx context.Context, cred Credential, mac macaddr.MAC) ([]MacLibraryEntry, error) {
	q := url.Values{}
	q.Set("page", "0")
	q.Set("size", pageSize)
	q.Set("engineeringId", cred.EngineeringID)
	q.Set("mac", mac.String())

	req, err := c.newRequest(http.MethodGet, cred, "/api/employees/publics/devicelibraries", q, nil)
	if err != nil {
		return nil, err
	}

	var w wireList[wireLibraryEntry]
	if _, err := c.do(ctx, "search", req, &w); err != nil {
		return nil, err
	}
	return adaptLibrary(w), nil
}

// LookupDevices lists the cloud enabled devices of community site with the given mac.
func (c *Client) LookupDevices(ctx context.Context, cred Credential, mac macaddr.MAC, site string) ([]DeviceRecord, error) {
	q := url.Values{}
	q.Set("type", deviceTypes)
	q.Set("size", pageSize)
	q.Set("page", "0")
	q.Set("mac", mac.String())
	q.Set("isCloudEnabled", "true")

	req, err := c.newRequest(http.MethodGet, cred, "/api/employees/publics/devices", q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Community-Id", site)

	var w wireList[wireDevice]
	if _, err := c.do(ctx, "devices", req, &w); err != nil {
		return nil, err
	}
	return adaptDevices(w), nil
}

// ReverseLogin asks for the temporary web access target of a device.
func (c *Client) ReverseLogin(ctx context.Context, cred Credential, deviceID, site string) (ReverseLoginResult, error) {
	path := "/api/employees/publics/devices/" + url.PathEscape(deviceID) + ":reverseLogin"
	req, err := c.newRequest(http.MethodPost, cred, path, nil, []byte(`{"type":"WEB"}`))
	if err != nil {
		return ReverseLoginResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Community-Id", site)

	var w wireReverseLogin
	if _, err := c.do(ctx, "reverseLogin", req, &w); err != nil {
		return ReverseLoginResult{}, err
	}
	return adaptReverseLogin(w), nil
}

func (c *Client) newRequest(method string, cred Credential, path string, q url.Values, body []byte) (*http.Request, error) {
	base := cred.BaseURL
	if base == "" {
		base = c.cfg.BaseURLs[0]
	}

	u := base + path
	if len(q) > 0 {
		// the vendor expects type=2,3,7,8,9 verbatim
		u += "?" + strings.ReplaceAll(q.Encode(), "%2C", ",")
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %s", path)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", cred.Token)
	req.Header.Set("AppId", c.cfg.AppID)
	req.Header.Set("EmployeeAccountId", cred.AccountID)
	req.Header.Set("Customer-Id", cred.CustomerID)
	req.Header.Set("Language", c.cfg.Language)
	return req, nil
}

// do sends req and decodes the envelope's result into v. It returns the
// envelope so callers can report the vendor's own code and message.
func (c *Client) do(ctx context.Context, op string, req *http.Request, v interface{}) (envelope, error) {
	if c.duration != nil {
		timer := prometheus.NewTimer(c.duration.With(prometheus.Labels{"op": op}))
		defer timer.ObserveDuration()
	}

	var env envelope
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return env, c.fail(&Error{Op: op, Kind: ErrNetwork, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return env, c.fail(&Error{Op: op, Kind: ErrNetwork, Status: resp.StatusCode, Err: errors.Wrap(err, "read body")})
	}
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Op: op, Kind: ErrNetwork, Status: resp.StatusCode}
		if decodeErr == nil && env.interpretable() {
			e.Code = string(env.Code)
			e.Message = env.message()
			if op == "login" {
				e.Kind = ErrAuth
			}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			e.Kind = ErrAuth
		}
		return env, c.fail(e)
	}

	if decodeErr != nil {
		return env, c.fail(&Error{Op: op, Kind: ErrNetwork, Status: resp.StatusCode, Err: errors.Wrap(decodeErr, "decode body")})
	}
	if !env.hasResult() {
		if env.interpretable() && MentionsAuth(env.message()) {
			return env, c.fail(&Error{Op: op, Kind: ErrAuth, Status: resp.StatusCode, Code: string(env.Code), Message: env.message()})
		}
		return env, nil
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		return env, c.fail(&Error{Op: op, Kind: ErrNetwork, Status: resp.StatusCode, Err: errors.Wrap(err, "decode result")})
	}
	return env, nil
}

// MentionsAuth reports whether a vendor message is about the login or token.
func MentionsAuth(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "token") || strings.Contains(msg, "login")
}

func (c *Client) fail(e *Error) error {
	if c.errors != nil {
		kind := "network"
		if e.Kind == ErrAuth {
			kind = "auth"
		}
		c.errors.With(prometheus.Labels{"op": e.Op, "kind": kind}).Inc()
	}
	return e
}
