// Package memory provides in-memory fakes for every processor port, used by
// application-layer tests.
package memory

import (
	"context"
	"sync"
	"time"

	"sbanalytics/internal/processor/ports"
)

type presenceKey struct {
	appUUID    string
	hourBucket time.Time
	entityID   string
}

type aggKey struct {
	appUUID    string
	hourBucket time.Time
	dimension  string
	value      string
}

type aggCounts struct {
	Devices int
	Users   int
}

// Store implements ports.Store and ports.UnitOfWork entirely in memory.
type Store struct {
	mu sync.Mutex

	processed map[string]struct{}
	h3Cells   map[string]ports.H3Cell
	places    map[string]string // "lon,lat" -> place id, test fixture only
	admins    map[string]ports.AdminCodes

	devicePresence map[presenceKey]struct{}
	userPresence   map[presenceKey]struct{}
	aggregates     map[aggKey]*aggCounts
	customer360    map[string]*Customer360Row
	licenseState   map[string]ports.LicenseUpdate
}

// Customer360Row is the test-visible projection of one customer_360 row.
type Customer360Row struct {
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	GeoEventsCount     int
	LicenseEventsCount int
	LastPlaceID        string
	LastH3R9           string
	PlanType           string
	Status             string
}

func NewStore() *Store {
	return &Store{
		processed:      make(map[string]struct{}),
		h3Cells:        make(map[string]ports.H3Cell),
		places:         make(map[string]string),
		admins:         make(map[string]ports.AdminCodes),
		devicePresence: make(map[presenceKey]struct{}),
		userPresence:   make(map[presenceKey]struct{}),
		aggregates:     make(map[aggKey]*aggCounts),
		customer360:    make(map[string]*Customer360Row),
		licenseState:   make(map[string]ports.LicenseUpdate),
	}
}

// SetFixedLookup makes every LookupPlace/LookupAdminCodes call return the
// given place and admin codes, for tests that don't care about geometry.
func (s *Store) SetFixedLookup(placeID string, codes ports.AdminCodes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places["*"] = placeID
	s.admins["*"] = codes
}

func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, s)
}

func (s *Store) MarkProcessed(ctx context.Context, consumer, appUUID, eventID string) (bool, error) {
	k := consumer + "|" + appUUID + "|" + eventID
	if _, ok := s.processed[k]; ok {
		return false, nil
	}
	s.processed[k] = struct{}{}
	return true, nil
}

func (s *Store) EnsureH3Cell(ctx context.Context, cell ports.H3Cell) error {
	if _, ok := s.h3Cells[cell.Cell]; !ok {
		s.h3Cells[cell.Cell] = cell
	}
	return nil
}

func (s *Store) LookupPlace(ctx context.Context, lon, lat float64, at time.Time) (string, bool, error) {
	placeID, ok := s.places["*"]
	return placeID, ok && placeID != "", nil
}

func (s *Store) LookupAdminCodes(ctx context.Context, lon, lat float64, at time.Time) (ports.AdminCodes, error) {
	codes, ok := s.admins["*"]
	if !ok {
		return ports.AdminCodes{}, nil
	}
	out := make(ports.AdminCodes, len(codes))
	for k, v := range codes {
		out[k] = v
	}
	return out, nil
}

func (s *Store) InsertDevicePresence(ctx context.Context, p ports.PresenceRow) (bool, error) {
	return s.insertPresence(s.devicePresence, p)
}

func (s *Store) InsertUserPresence(ctx context.Context, p ports.PresenceRow) (bool, error) {
	return s.insertPresence(s.userPresence, p)
}

func (s *Store) insertPresence(table map[presenceKey]struct{}, p ports.PresenceRow) (bool, error) {
	k := presenceKey{appUUID: p.AppUUID, hourBucket: p.HourBucket, entityID: p.EntityID}
	if _, ok := table[k]; ok {
		return false, nil
	}
	table[k] = struct{}{}
	return true, nil
}

func (s *Store) IncrementAggregates(ctx context.Context, incs ports.AggregateIncrements) error {
	if incs.H3R9 != "" {
		s.bumpAgg(incs.AppUUID, incs.HourBucket, "h3r9", incs.H3R9, incs.DevicesInc, incs.UsersInc)
	}
	if incs.PlaceID != "" {
		s.bumpAgg(incs.AppUUID, incs.HourBucket, "place", incs.PlaceID, incs.DevicesInc, incs.UsersInc)
	}
	for level, code := range incs.AdminCodes {
		if code == "" {
			continue
		}
		s.bumpAgg(incs.AppUUID, incs.HourBucket, "admin:"+level, code, incs.DevicesInc, incs.UsersInc)
	}
	return nil
}

func (s *Store) bumpAgg(appUUID string, hourBucket time.Time, dimension, value string, devicesInc, usersInc int) {
	k := aggKey{appUUID: appUUID, hourBucket: hourBucket, dimension: dimension, value: value}
	c, ok := s.aggregates[k]
	if !ok {
		c = &aggCounts{}
		s.aggregates[k] = c
	}
	c.Devices += devicesInc
	c.Users += usersInc
}

// AggregateCount is a test-assertion helper.
func (s *Store) AggregateCount(appUUID string, hourBucket time.Time, dimension, value string) (devices, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.aggregates[aggKey{appUUID: appUUID, hourBucket: hourBucket, dimension: dimension, value: value}]
	if !ok {
		return 0, 0
	}
	return c.Devices, c.Users
}

func (s *Store) UpsertCustomer360Geo(ctx context.Context, u ports.Customer360GeoUpdate) error {
	k := u.AppUUID + "|" + u.AnonUserID
	row, ok := s.customer360[k]
	if !ok {
		row = &Customer360Row{FirstSeenAt: u.EventTS, LastSeenAt: u.EventTS}
		s.customer360[k] = row
	}
	if u.EventTS.Before(row.FirstSeenAt) {
		row.FirstSeenAt = u.EventTS
	}
	if u.EventTS.After(row.LastSeenAt) {
		row.LastSeenAt = u.EventTS
	}
	row.LastPlaceID = u.PlaceID
	row.LastH3R9 = u.H3R9
	row.GeoEventsCount += u.GeoEventsCountInc
	return nil
}

func (s *Store) UpsertLicenseState(ctx context.Context, l ports.LicenseUpdate) error {
	s.licenseState[l.AppUUID+"|"+l.AnonUserID] = l
	return nil
}

func (s *Store) UpsertCustomer360License(ctx context.Context, u ports.Customer360LicenseUpdate) error {
	k := u.AppUUID + "|" + u.AnonUserID
	row, ok := s.customer360[k]
	if !ok {
		row = &Customer360Row{}
		s.customer360[k] = row
	}
	row.PlanType = u.PlanType
	row.Status = u.Status
	row.LicenseEventsCount++
	return nil
}

// Customer360 is a test-assertion helper.
func (s *Store) Customer360(appUUID, anonUserID string) (Customer360Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.customer360[appUUID+"|"+anonUserID]
	if !ok {
		return Customer360Row{}, false
	}
	return *row, true
}

// DLQRecord is one recorded call to PublishDLQ, for test assertions.
type DLQRecord struct {
	Reason  string
	RawBody []byte
	ErrType string
	ErrMsg  string
}

// DLQPublisher records every DLQ emission in memory.
type DLQPublisher struct {
	mu      sync.Mutex
	Records []DLQRecord
}

func NewDLQPublisher() *DLQPublisher { return &DLQPublisher{} }

func (d *DLQPublisher) PublishDLQ(ctx context.Context, reason string, rawBody []byte, decoded any, errType, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Records = append(d.Records, DLQRecord{Reason: reason, RawBody: rawBody, ErrType: errType, ErrMsg: errMsg})
}

// RepublishRecord is one recorded call to Republish.
type RepublishRecord struct {
	RoutingKey string
	Body       []byte
	Retry      int
	RetryAt    time.Time
}

// Republisher records calls and can be made to fail FailNext times.
type Republisher struct {
	mu        sync.Mutex
	FailNext  int
	Records   []RepublishRecord
}

func NewRepublisher() *Republisher { return &Republisher{} }

func (r *Republisher) Republish(ctx context.Context, routingKey string, body []byte, retry int, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext > 0 {
		r.FailNext--
		return errRepublishFailed
	}
	r.Records = append(r.Records, RepublishRecord{RoutingKey: routingKey, Body: body, Retry: retry, RetryAt: retryAt})
	return nil
}

var errRepublishFailed = &republishError{}

type republishError struct{}

func (e *republishError) Error() string { return "simulated republish failure" }
