package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/events"
	"github.com/genesistracer/tracer/geofence"
	"github.com/genesistracer/tracer/macaddr"
	"github.com/genesistracer/tracer/resolver"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const maxRequestBody = 1 << 20

// lookups is what the front door needs from the resolver.
type lookups interface {
	Resolve(ctx context.Context, raw string) (resolver.Result, error)
	ResolveMany(ctx context.Context, macs []string) []resolver.Result
}

// api holds the front door handlers.
type api struct {
	lookups  lookups
	accounts *accounts.Service
	events   events.Publisher
	fence    *geofence.Fence
	logger   log.Logger
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (a *api) fail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, failure{Error: msg})
}

// accountError maps an accounts error onto a response.
func (a *api) accountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		a.fail(w, http.StatusNotFound, "Installer not found")
	case errors.Is(err, accounts.ErrExists):
		a.fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrInvalid):
		a.fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, accounts.ErrInvalidCredentials):
		a.fail(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, accounts.ErrProtected):
		a.fail(w, http.StatusForbidden, err.Error())
	default:
		a.logger.Error(err)
		a.fail(w, http.StatusInternalServerError, "Server error")
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func (a *api) clientIP(r *http.Request) string {
	if ip, ok := a.fence.ClientIP(r); ok {
		return ip.String()
	}
	return ""
}

func lookupStatus(err error) int {
	switch kind := resolver.KindOf(err); {
	case err == nil, resolver.NotFound(err):
		return http.StatusOK
	case kind == resolver.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) lookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC string `json:"mac"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.lookups.Resolve(r.Context(), req.MAC)
	a.events.Lookup(res)
	writeJSON(w, lookupStatus(err), res)
}

type installerCredentials struct {
	Phone    string `json:"phoneNumber"`
	Password string `json:"password"`
}

func (a *api) loginInstaller(w http.ResponseWriter, r *http.Request) (accounts.Installer, bool) {
	var req installerCredentials
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return accounts.Installer{}, false
	}
	if req.Phone == "" || req.Password == "" {
		a.fail(w, http.StatusBadRequest, "phoneNumber and password are required")
		return accounts.Installer{}, false
	}

	inst, entry, err := a.accounts.LoginInstaller(r.Context(), req.Phone, req.Password, a.clientIP(r))
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			a.logger.With("phone", req.Phone, "ip", a.clientIP(r)).Info("installer login rejected")
		}
		a.accountError(w, err)
		return accounts.Installer{}, false
	}
	a.events.Login(entry)
	if inst.MACs == nil {
		inst.MACs = []accounts.MacAssignment{}
	}
	return inst, true
}

func (a *api) installerLogin(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loginInstaller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"phoneNumber":  inst.Phone,
			"macAddresses": inst.MACs,
		},
	})
}

type device struct {
	accounts.MacAssignment
	Lookup resolver.Result `json:"lookup"`
}

func (a *api) installerDevices(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loginInstaller(w, r)
	if !ok {
		return
	}

	macs := make([]string, len(inst.MACs))
	for i, m := range inst.MACs {
		macs[i] = m.MAC.String()
	}
	results := a.lookups.ResolveMany(r.Context(), macs)

	devices := make([]device, len(inst.MACs))
	for i := range inst.MACs {
		devices[i] = device{MacAssignment: inst.MACs[i], Lookup: results[i]}
		a.events.Lookup(results[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"phoneNumber": inst.Phone,
			"devices":     devices,
		},
	})
}

func (a *api) managerLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.accounts.LoginManager(r.Context(), req.Username, req.Password); err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// managerOnly requires the manager's credentials as HTTP basic auth.
func (a *api) managerOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="tracer"`)
			a.fail(w, http.StatusUnauthorized, "Manager credentials required")
			return
		}
		if err := a.accounts.LoginManager(r.Context(), user, pass); err != nil {
			if errors.Is(err, accounts.ErrInvalidCredentials) {
				w.Header().Set("WWW-Authenticate", `Basic realm="tracer"`)
				a.logger.With("user", user, "ip", a.clientIP(r)).Info("manager auth rejected")
			}
			a.accountError(w, err)
			return
		}
		next(w, r)
	}
}

func (a *api) listInstallers(w http.ResponseWriter, r *http.Request) {
	list, err := a.accounts.ListInstallers(r.Context())
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": list})
}

// macInput accepts either a bare MAC string or a full assignment object.
type macInput accounts.MacAssignment

func (m *macInput) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = macInput{MAC: macaddr.MAC(s)}
		return nil
	}
	var full accounts.MacAssignment
	if err := json.Unmarshal(b, &full); err != nil {
		return err
	}
	*m = macInput(full)
	return nil
}

func (a *api) createInstaller(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string     `json:"phoneNumber"`
		MACs  []macInput `json:"macAddresses"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	macs := make([]accounts.MacAssignment, len(req.MACs))
	for i, m := range req.MACs {
		macs[i] = accounts.MacAssignment(m)
	}
	password, err := a.accounts.CreateInstaller(r.Context(), req.Phone, macs)
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":     true,
		"phoneNumber": req.Phone,
		"password":    password,
	})
}

func (a *api) installerDetails(w http.ResponseWriter, r *http.Request) {
	inst, err := a.accounts.Details(r.Context(), r.PathValue("phone"))
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": inst})
}

func (a *api) deleteInstaller(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.DeleteInstaller(r.Context(), r.PathValue("phone")); err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *api) resetPassword(w http.ResponseWriter, r *http.Request) {
	password, err := a.accounts.ResetPassword(r.Context(), r.PathValue("phone"))
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "password": password})
}

func (a *api) assignMAC(w http.ResponseWriter, r *http.Request) {
	var req accounts.MacAssignment
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	assigned, err := a.accounts.AssignMAC(r.Context(), r.PathValue("phone"), req)
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": assigned})
}

func (a *api) removeMAC(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.RemoveMAC(r.Context(), r.PathValue("phone"), r.PathValue("mac")); err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *api) logins(w http.ResponseWriter, r *http.Request) {
	logs, err := a.accounts.Logins(r.Context())
	if err != nil {
		a.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": logs})
}

func (a *api) backup(w http.ResponseWriter, r *http.Request) {
	b, err := a.accounts.Backup(r.Context())
	if err != nil {
		a.accountError(w, err)
		return
	}
	name := "tracer-backup-" + b.ExportDate.Format("2006-01-02") + ".json"
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	writeJSON(w, http.StatusOK, b)
}

// statusRecorder remembers the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument wraps h with the in flight gauge, duration histogram and
// request counter for method.
func instrument(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		labels := prometheus.Labels{"method": method, "op": ""}
		apiInFlight.With(labels).Inc()
		defer apiInFlight.With(labels).Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		h(rec, r)

		apiDuration.With(labels).Observe(time.Since(start).Seconds())
		apiTotals.With(prometheus.Labels{"method": method, "op": "", "code": strconv.Itoa(rec.code)}).Inc()
	}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/lookup", instrument("Lookup", a.lookup))
	mux.HandleFunc("POST /api/installer/login", instrument("InstallerLogin", a.installerLogin))
	mux.HandleFunc("POST /api/installer/devices", instrument("InstallerDevices", a.installerDevices))
	mux.HandleFunc("POST /api/manager/login", instrument("ManagerLogin", a.managerLogin))

	manager := func(method string, h http.HandlerFunc) http.HandlerFunc {
		return instrument(method, a.managerOnly(h))
	}
	mux.HandleFunc("GET /api/manager/installers", manager("ListInstallers", a.listInstallers))
	mux.HandleFunc("POST /api/manager/installers", manager("CreateInstaller", a.createInstaller))
	mux.HandleFunc("GET /api/manager/installers/{phone}", manager("InstallerDetails", a.installerDetails))
	mux.HandleFunc("DELETE /api/manager/installers/{phone}", manager("DeleteInstaller", a.deleteInstaller))
	mux.HandleFunc("POST /api/manager/installers/{phone}/reset-password", manager("ResetPassword", a.resetPassword))
	mux.HandleFunc("POST /api/manager/installers/{phone}/macs", manager("AssignMAC", a.assignMAC))
	mux.HandleFunc("DELETE /api/manager/installers/{phone}/macs/{mac}", manager("RemoveMAC", a.removeMAC))
	mux.HandleFunc("GET /api/manager/logs", manager("Logins", a.logins))
	mux.HandleFunc("GET /api/manager/backup", manager("Backup", a.backup))
}
