// Package gnss is a software GNSS producer. It turns NMEA 0183 sentences,
// replayed from a file or injected, into every event kind the daemon
// serves.
package gnss

import (
	"sort"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/geofence"
	"github.com/charlie0129/locd/pkg/provider"
)

const (
	knotsToMetersPerSecond = 0.514444
	// user equivalent range error, meters per unit of HDOP
	uere = 5.0

	defaultCacheSize = 64
	fixRecordCount   = 120
)

var _ provider.Producer = &Engine{}

// Options configures an Engine.
type Options struct {
	CountryCode string
	MaxFences   int
	CacheSize   int              // per batch subscriber
	Now         func() time.Time // for tests
}

type locatingSub struct {
	req    events.LocationRequest
	id     provider.Identity
	last   events.Location
	lastAt time.Time
	sent   bool
}

type cacheSub struct {
	req   events.CachedGnssLocationsRequest
	buf   []events.Location
	sched *Scheduler
}

type gsvSet struct {
	next int64
	info []nmea.GSVInfo
}

// Engine implements provider.Producer.
//
// Receivers are called with mu held, so every receiver sees events in the
// order they were produced. Receivers must not call back into the engine.
type Engine struct {
	now       func() time.Time
	started   time.Time
	cacheSize int
	fixes     *FixRecorder

	mu sync.Mutex
	// +checklocks:mu
	alive bool
	// +checklocks:mu
	enabled bool
	// +checklocks:mu
	country events.CountryCode

	// +checklocks:mu
	fix events.Location
	// +checklocks:mu
	hasGGA bool
	// +checklocks:mu
	gsvParts map[string]*gsvSet
	// +checklocks:mu
	gsvDone map[string][]nmea.GSVInfo

	// +checklocks:mu
	switches map[provider.Receiver]provider.Identity
	// +checklocks:mu
	locating map[provider.Receiver]*locatingSub
	// +checklocks:mu
	status map[provider.Receiver]provider.Identity
	// +checklocks:mu
	nmea map[provider.Receiver]provider.Identity
	// +checklocks:mu
	cached map[provider.Receiver]*cacheSub
	// +checklocks:mu
	countries map[provider.Receiver]provider.Identity
	// +checklocks:mu
	scans map[provider.Receiver]events.LocatingRequiredDataConfig
	// +checklocks:mu
	fences *geofence.List
	// +checklocks:mu
	fenceOwners map[string]provider.Receiver
	maxFences   int

	watchMu sync.Mutex
	// +checklocks:watchMu
	watchers map[int]func()
	// +checklocks:watchMu
	nextWatch int
}

// New creates an alive, enabled engine.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "US"
	}

	e := &Engine{
		now:       opts.Now,
		cacheSize: opts.CacheSize,
		fixes:     NewFixRecorder(fixRecordCount),
		alive:     true,
		enabled:   true,
		country: events.CountryCode{
			Country: strings.ToUpper(opts.CountryCode),
			Type:    events.CountryCodeFromLocale,
		},
		maxFences: opts.MaxFences,
		watchers:  make(map[int]func()),
	}
	e.started = e.now()
	e.reset()
	return e
}

// +checklocks:e.mu
func (e *Engine) reset() {
	e.fix = events.Location{}
	e.hasGGA = false
	e.gsvParts = make(map[string]*gsvSet)
	e.gsvDone = make(map[string][]nmea.GSVInfo)
	e.switches = make(map[provider.Receiver]provider.Identity)
	e.locating = make(map[provider.Receiver]*locatingSub)
	e.status = make(map[provider.Receiver]provider.Identity)
	e.nmea = make(map[provider.Receiver]provider.Identity)
	e.countries = make(map[provider.Receiver]provider.Identity)
	e.scans = make(map[provider.Receiver]events.LocatingRequiredDataConfig)
	for _, c := range e.cached {
		c.sched.Stop()
	}
	e.cached = make(map[provider.Receiver]*cacheSub)
	e.fences = geofence.NewList(e.maxFences)
	e.fenceOwners = make(map[string]provider.Receiver)
}

func identityFields(kind string, id provider.Identity) logrus.Fields {
	return logrus.Fields{
		"kind": kind,
		"uid":  id.UID,
		"pid":  id.PID,
		"name": id.Name,
	}
}

// register adds r to m if the engine is alive.
func register[V any](e *Engine, m map[provider.Receiver]V, r provider.Receiver, v V) bool {
	if !e.alive {
		return false
	}
	m[r] = v
	return true
}

func unregister[V any](m map[provider.Receiver]V, r provider.Receiver) bool {
	if _, ok := m[r]; !ok {
		return false
	}
	delete(m, r)
	return true
}

func (e *Engine) RegisterSwitchCallback(r provider.Receiver, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	logrus.WithFields(identityFields(events.LocationServiceState, id)).Debug("register switch callback")
	return register(e, e.switches, r, id)
}

func (e *Engine) UnregisterSwitchCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.switches, r)
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetEnabled flips the location switch. Turning it off ends every locating
// request with an empty result.
func (e *Engine) SetEnabled(enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.alive || e.enabled == enabled {
		return false
	}
	e.enabled = enabled
	logrus.WithField("enabled", enabled).Info("location switch changed")

	for r := range e.switches {
		r.Deliver(events.SwitchState{Enabled: enabled})
	}
	if !enabled {
		for r := range e.locating {
			r.DeliverEmpty()
		}
		e.fix = events.Location{}
		e.hasGGA = false
	}
	return true
}

// StartLocating fails while the switch is off.
func (e *Engine) StartLocating(r provider.Receiver, req events.LocationRequest, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return false
	}
	logrus.WithFields(identityFields(events.LocationChange, id)).WithField("request", req).Debug("start locating")
	return register(e, e.locating, r, &locatingSub{req: req, id: id})
}

func (e *Engine) StopLocating(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.locating, r)
}

func (e *Engine) RegisterGnssStatusCallback(r provider.Receiver, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	logrus.WithFields(identityFields(events.GnssStatusChange, id)).Debug("register satellite status callback")
	return register(e, e.status, r, id)
}

func (e *Engine) UnregisterGnssStatusCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.status, r)
}

func (e *Engine) RegisterNmeaMessageCallback(r provider.Receiver, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	logrus.WithFields(identityFields(events.NmeaMessageChange, id)).Debug("register nmea callback")
	return register(e, e.nmea, r, id)
}

func (e *Engine) UnregisterNmeaMessageCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.nmea, r)
}

// RegisterCachedLocationCallback batches fixes for r. With a reporting
// period the batch is flushed on that schedule; otherwise only when the
// cache fills up (if requested) or on FlushCachedLocations.
func (e *Engine) RegisterCachedLocationCallback(r provider.Receiver, req events.CachedGnssLocationsRequest, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		return false
	}
	if _, ok := e.cached[r]; ok {
		return true
	}

	sched := NewScheduler(func() error {
		e.flushCached(r)
		return nil
	}, nil)
	if req.ReportingPeriodSec > 0 {
		if err := sched.Schedule(EverySpec(time.Duration(req.ReportingPeriodSec) * time.Second)); err != nil {
			logrus.WithError(err).Error("failed to schedule cached location flush")
			return false
		}
	}
	sched.Start()

	e.cached[r] = &cacheSub{req: req, sched: sched}
	logrus.WithFields(identityFields(events.CachedGnssLocationsReporting, id)).WithField("request", req).Debug("register cached location callback")
	return true
}

func (e *Engine) UnregisterCachedLocationCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cached[r]
	if !ok {
		return false
	}
	c.sched.Stop()
	delete(e.cached, r)
	return true
}

// FlushCachedLocations hands every pending batch to its receiver now.
func (e *Engine) FlushCachedLocations() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for r := range e.cached {
		e.flushCachedLocked(r)
	}
}

func (e *Engine) flushCached(r provider.Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushCachedLocked(r)
}

// +checklocks:e.mu
func (e *Engine) flushCachedLocked(r provider.Receiver) {
	c, ok := e.cached[r]
	if !ok || len(c.buf) == 0 {
		return
	}
	batch := c.buf
	c.buf = nil
	r.Deliver(batch)
}

func (e *Engine) RegisterCountryCodeCallback(r provider.Receiver, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	logrus.WithFields(identityFields(events.CountryCodeChange, id)).Debug("register country code callback")
	return register(e, e.countries, r, id)
}

func (e *Engine) UnregisterCountryCodeCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.countries, r)
}

func (e *Engine) CountryCode() events.CountryCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.country
}

// SetCountryCode notifies country code receivers if the code changed.
func (e *Engine) SetCountryCode(code string, typ events.CountryCodeType) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		return false
	}
	next := events.CountryCode{Country: code, Type: typ}
	if next == e.country {
		return false
	}
	e.country = next
	for r := range e.countries {
		r.Deliver(next)
	}
	return true
}

func (e *Engine) AddFence(r provider.Receiver, req events.GeofenceRequest, id provider.Identity) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		return "", false
	}
	fenceID, err := e.fences.Add(req.Geofence, id.Name, e.now())
	if err != nil {
		logrus.WithFields(identityFields(events.FenceStatusChange, id)).WithError(err).Warn("failed to add geofence")
		return "", false
	}
	e.fenceOwners[fenceID] = r
	logrus.WithFields(identityFields(events.FenceStatusChange, id)).WithField("fence", fenceID).Debug("geofence added")
	return fenceID, true
}

func (e *Engine) RemoveFence(fenceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fenceOwners, fenceID)
	return e.fences.Remove(fenceID)
}

// Fences returns the registered fences.
func (e *Engine) Fences() []geofence.Fence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fences.Fences()
}

func (e *Engine) RegisterScanResultCallback(r provider.Receiver, cfg events.LocatingRequiredDataConfig, id provider.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	logrus.WithFields(identityFields(events.LocatingRequiredDataChange, id)).WithField("config", cfg).Debug("register scan result callback")
	return register(e, e.scans, r, cfg)
}

func (e *Engine) UnregisterScanResultCallback(r provider.Receiver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unregister(e.scans, r)
}

// InjectScanResults forwards externally acquired scan results to the
// receivers that asked for that scan type.
func (e *Engine) InjectScanResults(results []events.ScanResult) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive || !e.enabled {
		return 0
	}

	delivered := 0
	for r, cfg := range e.scans {
		var matched []events.ScanResult
		for _, res := range results {
			if res.Type == cfg.Type {
				matched = append(matched, res)
			}
		}
		if len(matched) > 0 {
			r.Deliver(matched)
			delivered++
		}
	}
	return delivered
}

// WatchDeath calls fn once the engine dies. fn runs without engine locks
// held.
func (e *Engine) WatchDeath(fn func()) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	id := e.nextWatch
	e.nextWatch++
	e.watchers[id] = fn
	return func() {
		e.watchMu.Lock()
		defer e.watchMu.Unlock()
		delete(e.watchers, id)
	}
}

func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

// Die simulates a producer crash: every registration is lost and death
// watchers are notified.
func (e *Engine) Die() {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	e.alive = false
	e.reset()
	e.mu.Unlock()
	e.fixes.ClearRecords()

	logrus.Warn("gnss producer died")

	e.watchMu.Lock()
	watchers := make([]func(), 0, len(e.watchers))
	ids := make([]int, 0, len(e.watchers))
	for id := range e.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		watchers = append(watchers, e.watchers[id])
	}
	e.watchMu.Unlock()

	for _, fn := range watchers {
		fn()
	}
}

// Restart brings a dead engine back. Registrations are not restored.
func (e *Engine) Restart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alive {
		return false
	}
	e.alive = true
	logrus.Info("gnss producer restarted")
	return true
}

// Feed processes one NMEA sentence.
func (e *Engine) Feed(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse sentence %q", line)
	}

	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive || !e.enabled {
		return provider.ErrProducerUnavailable
	}

	for r := range e.nmea {
		r.Deliver(events.NmeaMessage{TimeStamp: now, Message: line})
	}

	switch v := s.(type) {
	case nmea.RMC:
		e.handleRMC(v, now)
	case nmea.GGA:
		e.handleGGA(v)
	case nmea.GSV:
		e.handleGSV(v, now)
	}
	return nil
}

// +checklocks:e.mu
func (e *Engine) handleGGA(s nmea.GGA) {
	if s.FixQuality == nmea.Invalid {
		e.hasGGA = false
		return
	}
	e.hasGGA = true
	e.fix.Altitude = s.Altitude
	e.fix.Satellites = int(s.NumSatellites)
	e.fix.Accuracy = s.HDOP * uere
}

// +checklocks:e.mu
func (e *Engine) handleRMC(s nmea.RMC, now time.Time) {
	if s.Validity != nmea.ValidRMC {
		return
	}

	loc := e.fix
	loc.Latitude = s.Latitude
	loc.Longitude = s.Longitude
	loc.Speed = s.Speed * knotsToMetersPerSecond
	loc.Direction = s.Course
	loc.TimeStamp = fixTime(s.Date, s.Time, now)
	loc.TimeSinceBoot = now.Sub(e.started).Nanoseconds()
	loc.Source = "gnss"
	if !e.hasGGA {
		loc.Altitude, loc.Satellites, loc.Accuracy = 0, 0, 0
	}
	e.fix = loc
	e.fixes.AddRecord(now)

	e.emitLocation(loc, now)
}

// +checklocks:e.mu
func (e *Engine) emitLocation(loc events.Location, now time.Time) {
	for r, sub := range e.locating {
		if !sub.accepts(loc, now) {
			continue
		}
		sub.last = loc
		sub.lastAt = now
		sub.sent = true
		r.Deliver(loc)
	}

	for r, c := range e.cached {
		c.buf = append(c.buf, loc)
		switch {
		case len(c.buf) >= e.cacheSize && c.req.WakeUpCacheQueueFull:
			e.flushCachedLocked(r)
		case len(c.buf) > e.cacheSize:
			c.buf = c.buf[1:]
		}
	}

	transitions, expired := e.fences.Evaluate(loc.Latitude, loc.Longitude, now)
	for _, id := range expired {
		delete(e.fenceOwners, id)
		logrus.WithField("fence", id).Debug("geofence expired")
	}
	for _, tr := range transitions {
		r, ok := e.fenceOwners[tr.FenceID]
		if !ok {
			continue
		}
		r.Deliver(events.GeofenceTransition{FenceID: tr.FenceID, Transition: tr.Event, Location: loc})
	}
}

func (s *locatingSub) accepts(loc events.Location, now time.Time) bool {
	if s.req.MaxAccuracy > 0 && loc.Accuracy > s.req.MaxAccuracy {
		return false
	}
	if !s.sent {
		return true
	}
	if s.req.TimeInterval > 0 && now.Sub(s.lastAt) < time.Duration(s.req.TimeInterval)*time.Second {
		return false
	}
	if s.req.DistanceInterval > 0 &&
		geofence.Distance(s.last.Latitude, s.last.Longitude, loc.Latitude, loc.Longitude) < s.req.DistanceInterval {
		return false
	}
	return true
}

// +checklocks:e.mu
func (e *Engine) handleGSV(s nmea.GSV, now time.Time) {
	talker := s.TalkerID()
	set := e.gsvParts[talker]
	if s.MessageNumber == 1 {
		set = &gsvSet{}
		e.gsvParts[talker] = set
	}
	if set == nil || s.MessageNumber != set.next+1 {
		// out of sequence, wait for the next first part
		delete(e.gsvParts, talker)
		return
	}
	set.info = append(set.info, s.Info...)
	set.next = s.MessageNumber
	if s.MessageNumber < s.TotalMessages {
		return
	}

	delete(e.gsvParts, talker)
	e.gsvDone[talker] = set.info
	e.emitStatus(now)
}

// +checklocks:e.mu
func (e *Engine) emitStatus(now time.Time) {
	if len(e.status) == 0 {
		return
	}

	talkers := make([]string, 0, len(e.gsvDone))
	for t := range e.gsvDone {
		talkers = append(talkers, t)
	}
	sort.Strings(talkers)

	st := events.SatelliteStatus{TimeStamp: now}
	for _, t := range talkers {
		for _, info := range e.gsvDone[t] {
			st.SatelliteIDs = append(st.SatelliteIDs, info.SVPRNNumber)
			st.CarrierToNoise = append(st.CarrierToNoise, info.SNR)
			st.Altitudes = append(st.Altitudes, info.Elevation)
			st.Azimuths = append(st.Azimuths, info.Azimuth)
			st.Constellations = append(st.Constellations, constellation(t))
		}
	}
	st.SatellitesNumber = len(st.SatelliteIDs)

	for r := range e.status {
		r.Deliver(st)
	}
}

func constellation(talker string) string {
	switch talker {
	case "GP":
		return "GPS"
	case "GL":
		return "GLONASS"
	case "GA":
		return "GALILEO"
	case "GB", "BD":
		return "BEIDOU"
	case "GQ":
		return "QZSS"
	case "GI":
		return "NAVIC"
	default:
		return "UNKNOWN"
	}
}

func fixTime(d nmea.Date, t nmea.Time, fallback time.Time) time.Time {
	if !d.Valid || !t.Valid {
		return fallback.UTC()
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// Stats is a snapshot of the engine.
type Stats struct {
	Alive           bool               `json:"alive"`
	Enabled         bool               `json:"enabled"`
	CountryCode     events.CountryCode `json:"countryCode"`
	LastFix         *time.Time         `json:"lastFix,omitempty"`
	FixesLastMinute int                `json:"fixesLastMinute"`
	Fences          int                `json:"fences"`
	Receivers       map[string]int     `json:"receivers"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Alive:       e.alive,
		Enabled:     e.enabled,
		CountryCode: e.country,
		Fences:      e.fences.Len(),
		Receivers: map[string]int{
			events.LocationServiceState:         len(e.switches),
			events.LocationChange:               len(e.locating),
			events.GnssStatusChange:             len(e.status),
			events.NmeaMessageChange:            len(e.nmea),
			events.CachedGnssLocationsReporting: len(e.cached),
			events.CountryCodeChange:            len(e.countries),
			events.FenceStatusChange:            len(e.fenceOwners),
			events.LocatingRequiredDataChange:   len(e.scans),
		},
	}
	e.mu.Unlock()

	if last, ok := e.fixes.Last(); ok {
		s.LastFix = &last
	}
	s.FixesLastMinute = e.fixes.GetRecordsIn(time.Minute, e.now())
	return s
}
