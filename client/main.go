// Package client talks to a running tracer: the JSON API over HTTP and the
// health service over gRPC.
package client

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/resolver"
	"github.com/packethost/pkg/env"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Error is a non 2xx answer from the API.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracer: %d %s", e.Code, e.Message)
}

// Client calls the tracer HTTP API.
type Client struct {
	base     string
	hc       *http.Client
	user     string
	password string
}

// Option configures a Client.
type Option func(*Client)

// HTTPClient replaces the default http client.
func HTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// Manager sets the credentials sent to manager endpoints.
func Manager(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// New returns a client for the tracer at base, e.g. http://localhost:10000.
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parse tracer url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("tracer url %q needs a scheme and host", base)
	}

	c := &Client{
		base: strings.TrimSuffix(base, "/"),
		hc:   &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type envelope[T any] struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Data     T      `json:"data"`
	Password string `json:"password"`
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, manager bool) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if manager {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

// call decodes the standard {success, error, data} envelope.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}) (envelope[T], error) {
	var out envelope[T]
	resp, err := c.request(ctx, method, path, body, strings.HasPrefix(path, "/api/manager/"))
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &Error{Code: resp.StatusCode, Message: errors.Wrap(err, "decode response").Error()}
	}
	if resp.StatusCode/100 != 2 || !out.Success {
		return out, &Error{Code: resp.StatusCode, Message: out.Error}
	}
	return out, nil
}

// Lookup resolves mac. A not found answer is returned as a result with
// Success false and a nil error.
func (c *Client) Lookup(ctx context.Context, mac string) (resolver.Result, error) {
	var res resolver.Result
	resp, err := c.request(ctx, http.MethodPost, "/api/lookup", map[string]string{"mac": mac}, false)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, &Error{Code: resp.StatusCode, Message: errors.Wrap(err, "decode response").Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return res, &Error{Code: resp.StatusCode, Message: res.Error}
	}
	return res, nil
}

func (c *Client) Installers(ctx context.Context) ([]accounts.Summary, error) {
	out, err := call[[]accounts.Summary](ctx, c, http.MethodGet, "/api/manager/installers", nil)
	return out.Data, err
}

// CreateInstaller creates an installer owning macs and returns its password.
func (c *Client) CreateInstaller(ctx context.Context, phone string, macs []string) (string, error) {
	if macs == nil {
		macs = []string{}
	}
	out, err := call[struct{}](ctx, c, http.MethodPost, "/api/manager/installers", map[string]interface{}{
		"phoneNumber":  phone,
		"macAddresses": macs,
	})
	return out.Password, err
}

func (c *Client) Installer(ctx context.Context, phone string) (accounts.Installer, error) {
	out, err := call[accounts.Installer](ctx, c, http.MethodGet, "/api/manager/installers/"+url.PathEscape(phone), nil)
	return out.Data, err
}

func (c *Client) DeleteInstaller(ctx context.Context, phone string) error {
	_, err := call[struct{}](ctx, c, http.MethodDelete, "/api/manager/installers/"+url.PathEscape(phone), nil)
	return err
}

// ResetPassword replaces the installer's password and returns the new one.
func (c *Client) ResetPassword(ctx context.Context, phone string) (string, error) {
	out, err := call[struct{}](ctx, c, http.MethodPost, "/api/manager/installers/"+url.PathEscape(phone)+"/reset-password", nil)
	return out.Password, err
}

func (c *Client) AssignMAC(ctx context.Context, phone string, a accounts.MacAssignment) (accounts.MacAssignment, error) {
	out, err := call[accounts.MacAssignment](ctx, c, http.MethodPost, "/api/manager/installers/"+url.PathEscape(phone)+"/macs", a)
	return out.Data, err
}

func (c *Client) RemoveMAC(ctx context.Context, phone, mac string) error {
	path := "/api/manager/installers/" + url.PathEscape(phone) + "/macs/" + url.PathEscape(mac)
	_, err := call[struct{}](ctx, c, http.MethodDelete, path, nil)
	return err
}

func (c *Client) Logins(ctx context.Context) ([]accounts.LoginEntry, error) {
	out, err := call[[]accounts.LoginEntry](ctx, c, http.MethodGet, "/api/manager/logs", nil)
	return out.Data, err
}

// Backup copies the backup document to w as served.
func (c *Client) Backup(ctx context.Context, w io.Writer) error {
	resp, err := c.request(ctx, http.MethodGet, "/api/manager/backup", nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var f struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&f)
		return &Error{Code: resp.StatusCode, Message: f.Error}
	}
	_, err = io.Copy(w, resp.Body)
	return errors.Wrap(err, "copy backup")
}

// DialHealth connects to the gRPC health service at authority. TLS is used
// unless TRACER_USE_TLS is false; TRACER_CERT_URL names a PEM bundle to trust
// instead of the system roots.
func DialHealth(ctx context.Context, authority string) (grpc_health_v1.HealthClient, *grpc.ClientConn, error) {
	do := grpc.WithTransportCredentials(insecure.NewCredentials())
	if env.Bool("TRACER_USE_TLS", true) {
		creds := credentials.NewClientTLSFromCert(nil, "")
		if certURL := env.Get("TRACER_CERT_URL"); certURL != "" {
			pool, err := fetchCerts(ctx, certURL)
			if err != nil {
				return nil, nil, errors.Wrap(err, "get credentials from url")
			}
			creds = credentials.NewClientTLSFromCert(pool, "")
		}
		do = grpc.WithTransportCredentials(creds)
	}

	conn, err := grpc.DialContext(ctx, authority, do)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to tracer")
	}
	return grpc_health_v1.NewHealthClient(conn), conn, nil
}

func fetchCerts(ctx context.Context, certURL string) (*x509.CertPool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build cert request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch cert")
	}
	defer resp.Body.Close()

	certs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read cert")
	}

	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(certs) {
		return nil, errors.New("parsing cert")
	}
	return cp, nil
}
