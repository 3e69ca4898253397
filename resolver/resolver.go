// Package resolver turns a raw MAC address into the remote access location of
// the door phone behind it: vendor session, MAC library search, device lookup
// and reverse login, in that order, stopping at the first empty answer.
package resolver

import (
	"context"

	"github.com/gammazero/workerpool"
	"github.com/genesistracer/tracer/macaddr"
	"github.com/genesistracer/tracer/nexhome"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWorkers bounds ResolveMany.
const DefaultWorkers = 4

// Sessions hands out vendor credentials.
type Sessions interface {
	GetOrRefresh(ctx context.Context) (nexhome.Credential, error)
	Invalidate()
}

// Vendor is the subset of nexhome.Client the pipeline calls.
type Vendor interface {
	SearchByMAC(ctx context.Context, cred nexhome.Credential, mac macaddr.MAC) ([]nexhome.MacLibraryEntry, error)
	LookupDevices(ctx context.Context, cred nexhome.Credential, mac macaddr.MAC, site string) ([]nexhome.DeviceRecord, error)
	ReverseLogin(ctx context.Context, cred nexhome.Credential, deviceID, site string) (nexhome.ReverseLoginResult, error)
}

// Resolver runs resolutions. It is safe for concurrent use.
type Resolver struct {
	sessions Sessions
	vendor   Vendor
	workers  int
	logger   *log.Logger
	totals   *prometheus.CounterVec
	duration prometheus.Observer
	tracer   trace.Tracer
}

// The Option type describes functions that operate on Resolver during New.
type Option func(*Resolver)

// Workers sets how many resolutions ResolveMany runs at once.
func Workers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// Logger will set the logger used to log failed resolutions.
func Logger(l log.Logger) Option {
	return func(r *Resolver) {
		r.logger = &l
	}
}

// Totals counts resolutions, it must have an "outcome" label.
func Totals(cv *prometheus.CounterVec) Option {
	return func(r *Resolver) {
		r.totals = cv
	}
}

// Duration observes the duration of each resolution.
func Duration(o prometheus.Observer) Option {
	return func(r *Resolver) {
		r.duration = o
	}
}

// New returns a Resolver using sessions for credentials and vendor for lookups.
func New(sessions Sessions, vendor Vendor, options ...Option) *Resolver {
	r := &Resolver{
		sessions: sessions,
		vendor:   vendor,
		workers:  DefaultWorkers,
		tracer:   otel.Tracer("github.com/genesistracer/tracer/resolver"),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Resolve runs Start -> Normalized -> Authenticated -> LibraryMatched ->
// DeviceMatched -> Resolved for raw. The returned Result is always usable for
// display; the error, a *Error, is non-nil whenever Result.Success is false.
// Nothing is retried.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve")
	defer span.End()

	if r.duration != nil {
		timer := prometheus.NewTimer(r.duration)
		defer timer.ObserveDuration()
	}

	res := Result{}
	mac := macaddr.Normalize(raw)
	if mac == "" {
		return r.fail(span, res, StageStart, KindInvalidInput, ErrEmptyMAC)
	}
	res.MAC = mac.String()
	span.SetAttributes(attribute.String("mac", res.MAC))

	cred, err := r.sessions.GetOrRefresh(ctx)
	if err != nil {
		return r.fail(span, res, StageNormalized, sessionKind(err), err)
	}

	entries, err := r.vendor.SearchByMAC(ctx, cred, mac)
	if err != nil {
		return r.fail(span, res, StageAuthenticated, vendorKind(err, KindNetwork), err)
	}
	if len(entries) == 0 {
		return r.fail(span, res, StageAuthenticated, KindNotFoundInLibrary, ErrNotFoundInLibrary)
	}
	entry := entries[0]
	site := entry.SiteID()
	res.applyLibrary(entry)
	span.AddEvent("library matched", trace.WithAttributes(
		attribute.String("site", site),
		attribute.Int("matches", len(entries)),
	))

	devices, err := r.vendor.LookupDevices(ctx, cred, mac, site)
	if err != nil {
		return r.fail(span, res, StageLibrary, vendorKind(err, KindNetwork), err)
	}
	if len(devices) == 0 {
		return r.fail(span, res, StageLibrary, KindNotFoundInDevices, ErrNotFoundInDevices)
	}
	device := devices[0]
	res.applyDevice(device)
	span.AddEvent("device matched", trace.WithAttributes(
		attribute.String("device", device.ID),
		attribute.Int("matches", len(devices)),
	))

	target, err := r.vendor.ReverseLogin(ctx, cred, device.ID, site)
	if err != nil {
		return r.fail(span, res, StageDevice, vendorKind(err, KindNetwork), err)
	}
	res.applyTarget(target)
	res.Success = true
	res.Stage = StageResolved

	r.count("resolved")
	return res, nil
}

// ResolveMany resolves macs on a bounded worker pool. Results are in the
// order of macs; failures are reported in each Result.
func (r *Resolver) ResolveMany(ctx context.Context, macs []string) []Result {
	results := make([]Result, len(macs))
	pool := workerpool.New(r.workers)
	for i, mac := range macs {
		i, mac := i, mac
		pool.Submit(func() {
			results[i], _ = r.Resolve(ctx, mac)
		})
	}
	pool.StopWait()
	return results
}

func (r *Resolver) fail(span trace.Span, res Result, stage Stage, kind Kind, err error) (Result, error) {
	e := &Error{Stage: stage, Kind: kind, Err: err}

	res.Success = false
	res.Stage = stage
	res.Kind = kind
	switch kind {
	case KindNotFoundInLibrary:
		res.Error = "MAC not found"
	case KindNotFoundInDevices:
		res.Error = "Device not found"
	default:
		res.Error = err.Error()
	}

	if authRelated(kind, err) {
		r.sessions.Invalidate()
	}

	r.count(string(kind))
	span.SetAttributes(attribute.String("outcome", string(kind)))
	if !NotFound(e) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if r.logger != nil {
			r.logger.With("mac", res.MAC, "stage", stage, "kind", kind).Error(err)
		}
	}
	return res, e
}

func (r *Resolver) count(outcome string) {
	if r.totals != nil {
		r.totals.With(prometheus.Labels{"outcome": outcome}).Inc()
	}
}

// vendorKind maps a vendor error onto a Kind, fallback is used for anything
// that is neither auth nor network (context cancellation for one).
func vendorKind(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, nexhome.ErrAuth):
		return KindAuth
	case errors.Is(err, nexhome.ErrNetwork):
		return KindNetwork
	}
	return fallback
}

// sessionKind classifies a GetOrRefresh failure. Only a vendor rejection is
// an auth failure; a wait abandoned through ctx is not.
func sessionKind(err error) Kind {
	if !abandoned(err) && errors.Is(err, nexhome.ErrAuth) {
		return KindAuth
	}
	return KindNetwork
}

func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// authRelated decides whether the cached credential is suspect after err: an
// auth failure, or a network failure whose vendor message talks about the
// login or token.
func authRelated(kind Kind, err error) bool {
	if abandoned(err) {
		return false
	}
	if kind == KindAuth {
		return true
	}
	if kind != KindNetwork {
		return false
	}
	var e *nexhome.Error
	if errors.As(err, &e) {
		return nexhome.MentionsAuth(e.Message)
	}
	return nexhome.MentionsAuth(err.Error())
}
