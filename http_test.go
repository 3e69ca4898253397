package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/geofence"
	"github.com/genesistracer/tracer/macaddr"
	"github.com/genesistracer/tracer/pkg/healthcheck"
	"github.com/genesistracer/tracer/resolver"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("PACKET_ENV", "test")
	os.Setenv("PACKET_VERSION", "0")
	os.Setenv("ROLLBAR_DISABLE", "1")
	os.Setenv("ROLLBAR_TOKEN", "1")

	logger, _ = log.Init("github.com/genesistracer/tracer")
	setupMetrics()
	setupGitRevJSON()

	os.Exit(m.Run())
}

// fakeLookups answers from a table keyed by normalised MAC.
type fakeLookups map[macaddr.MAC]resolver.Result

func (f fakeLookups) Resolve(_ context.Context, raw string) (resolver.Result, error) {
	mac := macaddr.Normalize(raw)
	if mac == "" {
		return resolver.Result{Kind: resolver.KindInvalidInput}, &resolver.Error{Kind: resolver.KindInvalidInput, Err: resolver.ErrEmptyMAC}
	}
	res, ok := f[mac]
	if !ok {
		return resolver.Result{MAC: mac.String(), Error: "MAC not found", Kind: resolver.KindNotFoundInLibrary},
			&resolver.Error{Kind: resolver.KindNotFoundInLibrary, Err: resolver.ErrNotFoundInLibrary}
	}
	if res.Kind == resolver.KindNetwork {
		return res, &resolver.Error{Kind: resolver.KindNetwork, Err: errors.New("vendor down")}
	}
	return res, nil
}

func (f fakeLookups) ResolveMany(ctx context.Context, macs []string) []resolver.Result {
	out := make([]resolver.Result, len(macs))
	for i, m := range macs {
		out[i], _ = f.Resolve(ctx, m)
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	lookups []resolver.Result
	logins  []accounts.LoginEntry
}

func (r *recorder) Lookup(res resolver.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, res)
}

func (r *recorder) Login(e accounts.LoginEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, e)
}

func (r *recorder) Close() {}

type fixture struct {
	t       *testing.T
	handler http.Handler
	svc     *accounts.Service
	events  *recorder
	health  *healthcheck.HealthChecker
}

func newFixture(t *testing.T, opts ...geofence.Option) *fixture {
	svc := accounts.NewService(accounts.NewMemory(), accounts.Manager("boss"))
	_, err := svc.SeedManager(context.Background(), "boss-pass")
	require.NoError(t, err)

	port := 8080
	lookups := fakeLookups{
		"AABBCCDDEEFF": {Success: true, MAC: "AABBCCDDEEFF", IP: "10.0.0.5", Port: &port, FullAddress: "10.0.0.5:8080", SN: "X1", DeviceName: "Lobby", Status: 1, Stage: resolver.StageResolved},
		"001122334455": {MAC: "001122334455", SN: "X2", Error: "vendor down", Kind: resolver.KindNetwork},
	}
	rec := &recorder{}
	health := healthcheck.GRPCHealthChecker()
	a := &api{
		lookups:  lookups,
		accounts: svc,
		events:   rec,
		fence:    geofence.New(opts...),
		logger:   log.Test(t, "github.com/genesistracer/tracer"),
	}
	return &fixture{t: t, handler: handler(a, health, ""), svc: svc, events: rec, health: health}
}

func (f *fixture) do(method, path string, body interface{}, auth ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.RemoteAddr = "192.0.2.7:40000"
	if len(auth) == 2 {
		r.SetBasicAuth(auth[0], auth[1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	var doc map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &doc)
	return w, doc
}

func TestLookup(t *testing.T) {
	f := newFixture(t)

	t.Run("resolved", func(t *testing.T) {
		assert := require.New(t)
		w, doc := f.do(http.MethodPost, "/api/lookup", map[string]string{"mac": "aa:bb:cc:dd:ee:ff"})
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal("*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(true, doc["success"])
		assert.Equal("AABBCCDDEEFF", doc["mac"])
		assert.Equal("10.0.0.5", doc["ip"])
		assert.Equal(8080.0, doc["port"])
		assert.Equal("10.0.0.5:8080", doc["fullAddress"])
		assert.Equal("X1", doc["sn"])
		assert.Equal("Lobby", doc["deviceName"])
		assert.Equal(1.0, doc["status"])
	})

	t.Run("not found is a normal answer", func(t *testing.T) {
		assert := require.New(t)
		w, doc := f.do(http.MethodPost, "/api/lookup", map[string]string{"mac": "12-34-56-78-9a-bc"})
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal(false, doc["success"])
		assert.Equal("MAC not found", doc["error"])
	})

	t.Run("invalid input", func(t *testing.T) {
		assert := require.New(t)
		w, doc := f.do(http.MethodPost, "/api/lookup", map[string]string{"mac": " "})
		assert.Equal(http.StatusBadRequest, w.Code)
		assert.Equal(false, doc["success"])

		w, _ = f.do(http.MethodPost, "/api/lookup", "{not json")
		assert.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("vendor failure keeps partial fields", func(t *testing.T) {
		assert := require.New(t)
		w, doc := f.do(http.MethodPost, "/api/lookup", map[string]string{"mac": "00:11:22:33:44:55"})
		assert.Equal(http.StatusInternalServerError, w.Code)
		assert.Equal(false, doc["success"])
		assert.Equal("X2", doc["sn"])
	})

	t.Run("method", func(t *testing.T) {
		w, _ := f.do(http.MethodGet, "/api/lookup", nil)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	require.Len(t, f.events.lookups, 4)
	require.Equal(t, 1.0, testutil.ToFloat64(apiTotals.With(prometheus.Labels{"method": "Lookup", "op": "", "code": "500"})))
}

func TestPreflight(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t)

	w, _ := f.do(http.MethodOptions, "/api/manager/installers", nil)
	assert.Equal(http.StatusNoContent, w.Code)
	assert.Equal("*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestManagerAuth(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t)

	w, _ := f.do(http.MethodGet, "/api/manager/installers", nil)
	assert.Equal(http.StatusUnauthorized, w.Code)
	assert.Contains(w.Header().Get("WWW-Authenticate"), "Basic")

	w, _ = f.do(http.MethodGet, "/api/manager/installers", nil, "boss", "wrong")
	assert.Equal(http.StatusUnauthorized, w.Code)

	w, doc := f.do(http.MethodGet, "/api/manager/installers", nil, "boss", "boss-pass")
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal(true, doc["success"])
	assert.Empty(doc["data"])

	w, _ = f.do(http.MethodPost, "/api/manager/login", map[string]string{"username": "boss", "password": "boss-pass"})
	assert.Equal(http.StatusOK, w.Code)
	w, doc = f.do(http.MethodPost, "/api/manager/login", map[string]string{"username": "boss", "password": "nope"})
	assert.Equal(http.StatusUnauthorized, w.Code)
	assert.Equal("Invalid credentials", doc["error"])
}

func TestInstallerFlow(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t)
	boss := []string{"boss", "boss-pass"}

	w, doc := f.do(http.MethodPost, "/api/manager/installers", map[string]interface{}{
		"phoneNumber": "0501",
		"macAddresses": []interface{}{
			"aa:bb:cc:dd:ee:ff",
			map[string]interface{}{"mac": "00-11-22-33-44-55", "address": "Tower B", "licensePaid": true},
		},
	}, boss...)
	assert.Equal(http.StatusCreated, w.Code)
	password, _ := doc["password"].(string)
	assert.Len(password, 8)

	w, _ = f.do(http.MethodPost, "/api/manager/installers", map[string]interface{}{"phoneNumber": "0501"}, boss...)
	assert.Equal(http.StatusConflict, w.Code)

	w, _ = f.do(http.MethodPost, "/api/installer/login", map[string]string{"phoneNumber": "0501", "password": "bad"})
	assert.Equal(http.StatusUnauthorized, w.Code)

	w, doc = f.do(http.MethodPost, "/api/installer/login", map[string]string{"phoneNumber": "0501", "password": password})
	assert.Equal(http.StatusOK, w.Code)
	data := doc["data"].(map[string]interface{})
	assert.Equal("0501", data["phoneNumber"])
	assert.Len(data["macAddresses"], 2)
	assert.Len(f.events.logins, 1)
	assert.Equal("192.0.2.7", f.events.logins[0].IP)

	w, doc = f.do(http.MethodPost, "/api/installer/devices", map[string]string{"phoneNumber": "0501", "password": password})
	assert.Equal(http.StatusOK, w.Code)
	devices := doc["data"].(map[string]interface{})["devices"].([]interface{})
	assert.Len(devices, 2)
	first := devices[0].(map[string]interface{})
	assert.Equal("AABBCCDDEEFF", first["mac"])
	assert.Equal(true, first["lookup"].(map[string]interface{})["success"])
	second := devices[1].(map[string]interface{})
	assert.Equal("Tower B", second["address"])
	assert.Equal(false, second["lookup"].(map[string]interface{})["success"])

	w, doc = f.do(http.MethodGet, "/api/manager/installers", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	list := doc["data"].([]interface{})
	assert.Len(list, 1)
	assert.Equal(2.0, list[0].(map[string]interface{})["macCount"])

	w, doc = f.do(http.MethodPost, "/api/manager/installers/0501/macs", map[string]interface{}{"mac": "12:34:56:78:9A:BC", "notes": "roof"}, boss...)
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal("123456789ABC", doc["data"].(map[string]interface{})["mac"])

	w, _ = f.do(http.MethodDelete, "/api/manager/installers/0501/macs/aa:bb:cc:dd:ee:ff", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)

	w, doc = f.do(http.MethodGet, "/api/manager/installers/0501", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	inst := doc["data"].(map[string]interface{})
	assert.Len(inst["macAddresses"], 2)
	assert.Nil(inst["passwordHash"])

	w, doc = f.do(http.MethodPost, "/api/manager/installers/0501/reset-password", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	fresh := doc["password"].(string)
	w, _ = f.do(http.MethodPost, "/api/installer/login", map[string]string{"phoneNumber": "0501", "password": fresh})
	assert.Equal(http.StatusOK, w.Code)

	w, doc = f.do(http.MethodGet, "/api/manager/logs", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	assert.Len(doc["data"], 3)

	w, doc = f.do(http.MethodGet, "/api/manager/backup", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Header().Get("Content-Disposition"), "tracer-backup-")
	assert.Equal("2.0", doc["version"])

	w, _ = f.do(http.MethodDelete, "/api/manager/installers/boss", nil, boss...)
	assert.Equal(http.StatusForbidden, w.Code)

	w, _ = f.do(http.MethodDelete, "/api/manager/installers/0501", nil, boss...)
	assert.Equal(http.StatusOK, w.Code)
	w, _ = f.do(http.MethodGet, "/api/manager/installers/0501", nil, boss...)
	assert.Equal(http.StatusNotFound, w.Code)
}

func TestGeofenced(t *testing.T) {
	assert := require.New(t)
	set, err := geofence.ParseNetworks("10.0.0.0/8")
	assert.NoError(err)
	f := newFixture(t, geofence.Networks(set))

	w, _ := f.do(http.MethodPost, "/api/lookup", map[string]string{"mac": "aa:bb:cc:dd:ee:ff"})
	assert.Equal(http.StatusForbidden, w.Code)

	// ops endpoints stay reachable
	w, _ = f.do(http.MethodGet, "/version", nil)
	assert.Equal(http.StatusOK, w.Code)
}

func TestOpsEndpoints(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t)

	w, doc := f.do(http.MethodGet, "/_tracer/healthcheck", nil)
	assert.Equal(http.StatusServiceUnavailable, w.Code)
	assert.Equal(false, doc["ready"])

	f.health.SetServing(true)
	w, doc = f.do(http.MethodGet, "/_tracer/healthcheck", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal(true, doc["ready"])

	w, doc = f.do(http.MethodGet, "/version", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal("tracer", doc["service_name"])

	w, _ = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), "tracer_resolve_total")
}

func TestStaticFiles(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	assert.NoError(os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>tracer</h1>"), 0o600))

	a := &api{
		lookups:  fakeLookups{},
		accounts: accounts.NewService(accounts.NewMemory()),
		events:   &recorder{},
		fence:    geofence.New(),
		logger:   log.Test(t, "github.com/genesistracer/tracer"),
	}
	h := handler(a, healthcheck.GRPCHealthChecker(), dir)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), "tracer")
}

func TestOpenStore(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	s, err := openStore(ctx, config{store: "memory"})
	assert.NoError(err)
	assert.IsType(&accounts.Memory{}, s)

	s, err = openStore(ctx, config{store: "sqlite", sqlitePath: filepath.Join(t.TempDir(), "t.db")})
	assert.NoError(err)
	assert.NoError(s.Close())

	_, err = openStore(ctx, config{store: "postgres"})
	assert.Error(err)
	_, err = openStore(ctx, config{store: "redis"})
	assert.Error(err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"https://a", "https://b"}, splitList(" https://a, ,https://b "))
	require.Nil(t, splitList(""))
}
