package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
)

// lockArena hands out one exclusive lock per key. Acquisition honours the
// caller's context so a waiter can give up cleanly.
type lockArena struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newLockArena() *lockArena {
	return &lockArena{sems: make(map[string]*semaphore.Weighted)}
}

func (a *lockArena) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	a.mu.Lock()
	sem, ok := a.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		a.sems[key] = sem
	}
	a.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, apperror.ErrLockTimeout.Wrap(err)
	}
	return func() { sem.Release(1) }, nil
}

type attendeeKey struct {
	eventID string
	userID  string
}

// Memory keeps every table in maps guarded by one RWMutex. Row locks live in
// a separate arena and are held for the length of a transaction; the map
// mutex is only held for the duration of a single statement.
type Memory struct {
	memQueries

	mu          sync.RWMutex
	events      map[string]models.Event
	ticketTypes map[string]models.TicketType
	tickets     map[string]models.Ticket
	credentials map[string]models.Credential
	codes       map[string]string
	grants      map[string]models.StaffGrant
	principals  map[string]string
	admissions  []models.AdmissionRecord
	attendees   map[attendeeKey]models.Attendee

	locks       *lockArena
	lockTimeout time.Duration
}

// NewMemory returns an empty store. lockTimeout bounds how long a
// transaction waits for a row lock; zero waits for the context only.
func NewMemory(lockTimeout time.Duration) *Memory {
	m := &Memory{
		events:      make(map[string]models.Event),
		ticketTypes: make(map[string]models.TicketType),
		tickets:     make(map[string]models.Ticket),
		credentials: make(map[string]models.Credential),
		codes:       make(map[string]string),
		grants:      make(map[string]models.StaffGrant),
		principals:  make(map[string]string),
		attendees:   make(map[attendeeKey]models.Attendee),
		locks:       newLockArena(),
		lockTimeout: lockTimeout,
	}
	m.memQueries = memQueries{m: m}
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateEvent(ctx context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}

func (m *Memory) CreateTicketType(ctx context.Context, tt models.TicketType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[tt.EventID]; !ok {
		return ErrNotFound
	}
	m.ticketTypes[tt.ID] = tt
	return nil
}

// InTx runs fn with an undo log. On error or panic every recorded write is
// reverted before the row locks are released.
func (m *Memory) InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{memQueries: memQueries{m: m, undo: &[]func(){}}}
	defer tx.release()
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	memQueries
	releases []func()
}

func (tx *memTx) rollback() {
	undo := *tx.undo
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	*tx.undo = nil
}

func (tx *memTx) release() {
	for i := len(tx.releases) - 1; i >= 0; i-- {
		tx.releases[i]()
	}
	tx.releases = nil
}

func (tx *memTx) LockTicketType(ctx context.Context, id string) (models.TicketType, error) {
	release, err := tx.m.locks.acquire(ctx, "ticket_type:"+id, tx.m.lockTimeout)
	if err != nil {
		return models.TicketType{}, err
	}
	tx.releases = append(tx.releases, release)
	return tx.GetTicketType(ctx, id)
}

func (tx *memTx) LockTicket(ctx context.Context, id string) (models.Ticket, error) {
	release, err := tx.m.locks.acquire(ctx, "ticket:"+id, tx.m.lockTimeout)
	if err != nil {
		return models.Ticket{}, err
	}
	tx.releases = append(tx.releases, release)
	return tx.GetTicket(ctx, id)
}

// memQueries implements Queries. With a nil undo log every call commits
// immediately.
type memQueries struct {
	m    *Memory
	undo *[]func()
}

func (q memQueries) record(fn func()) {
	if q.undo != nil {
		*q.undo = append(*q.undo, fn)
	}
}

func (q memQueries) GetEvent(ctx context.Context, id string) (models.Event, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	e, ok := q.m.events[id]
	if !ok {
		return models.Event{}, ErrNotFound
	}
	return e, nil
}

func (q memQueries) GetTicketType(ctx context.Context, id string) (models.TicketType, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	tt, ok := q.m.ticketTypes[id]
	if !ok {
		return models.TicketType{}, ErrNotFound
	}
	return tt, nil
}

func (q memQueries) SetTicketTypeAvailable(ctx context.Context, id string, available int) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	tt, ok := q.m.ticketTypes[id]
	if !ok {
		return ErrNotFound
	}
	prev := tt.TotalAvailable
	tt.TotalAvailable = available
	q.m.ticketTypes[id] = tt
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		tt := q.m.ticketTypes[id]
		tt.TotalAvailable = prev
		q.m.ticketTypes[id] = tt
	})
	return nil
}

func (q memQueries) CreateTicket(ctx context.Context, t models.Ticket) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	tt, ok := q.m.ticketTypes[t.TicketTypeID]
	if !ok {
		return ErrNotFound
	}
	t.EventID = tt.EventID
	q.m.tickets[t.ID] = t
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		delete(q.m.tickets, t.ID)
	})
	return nil
}

func (q memQueries) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	t, ok := q.m.tickets[id]
	if !ok {
		return models.Ticket{}, ErrNotFound
	}
	return t, nil
}

func (q memQueries) ListTicketsByPurchaser(ctx context.Context, purchaserID string) ([]models.Ticket, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	tickets := make([]models.Ticket, 0)
	for _, t := range q.m.tickets {
		if t.PurchaserID == purchaserID {
			tickets = append(tickets, t)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.After(tickets[j].CreatedAt) })
	return tickets, nil
}

func (q memQueries) SetTicketStatus(ctx context.Context, id string, from, to models.TicketStatus, at time.Time) (bool, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	t, ok := q.m.tickets[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	prev := t
	t.Status = to
	t.UpdatedAt = at
	q.m.tickets[id] = t
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		q.m.tickets[id] = prev
	})
	return true, nil
}

func (q memQueries) CodeExists(ctx context.Context, code string) (bool, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	_, ok := q.m.codes[strings.ToUpper(code)]
	return ok, nil
}

func (q memQueries) CreateCredential(ctx context.Context, c models.Credential) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	c.PublicCode = strings.ToUpper(c.PublicCode)
	if _, ok := q.m.codes[c.PublicCode]; ok {
		return ErrDuplicateCode
	}
	q.m.credentials[c.ID] = c
	q.m.codes[c.PublicCode] = c.ID
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		delete(q.m.credentials, c.ID)
		delete(q.m.codes, c.PublicCode)
	})
	return nil
}

func (q memQueries) GetCredentialByCode(ctx context.Context, code string) (models.Credential, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	id, ok := q.m.codes[strings.ToUpper(code)]
	if !ok {
		return models.Credential{}, ErrNotFound
	}
	c := q.m.credentials[id]
	if _, ok := q.m.tickets[c.TicketID]; !ok {
		c.TicketID = ""
	}
	return c, nil
}

func (q memQueries) LatestCredential(ctx context.Context, ticketID string) (models.Credential, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	var latest models.Credential
	found := false
	for _, c := range q.m.credentials {
		if c.TicketID != ticketID {
			continue
		}
		newer := c.IssuedAt.After(latest.IssuedAt) ||
			(c.IssuedAt.Equal(latest.IssuedAt) && c.Status == models.CredentialActive)
		if !found || newer {
			latest = c
			found = true
		}
	}
	if !found {
		return models.Credential{}, ErrNotFound
	}
	return latest, nil
}

// setCredentialExpired must be called with mu held. The undo only reverts
// the row if nobody else expired it meanwhile; either way the TTL predicate
// stays the source of truth for freshness.
func (q memQueries) setCredentialExpired(id string) bool {
	c, ok := q.m.credentials[id]
	if !ok || c.Status != models.CredentialActive {
		return false
	}
	c.Status = models.CredentialExpired
	q.m.credentials[id] = c
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		cur, ok := q.m.credentials[id]
		if ok && cur.Status == models.CredentialExpired {
			cur.Status = models.CredentialActive
			q.m.credentials[id] = cur
		}
	})
	return true
}

func (q memQueries) ExpireCredential(ctx context.Context, id string) (bool, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return q.setCredentialExpired(id), nil
}

func (q memQueries) ExpireActiveCredentials(ctx context.Context, ticketID string) (int, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	n := 0
	for id, c := range q.m.credentials {
		if c.TicketID == ticketID && q.setCredentialExpired(id) {
			n++
		}
	}
	return n, nil
}

func (q memQueries) ExpireStaleCredentials(ctx context.Context, cutoff time.Time) (int, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	n := 0
	for id, c := range q.m.credentials {
		if c.IssuedAt.Before(cutoff) && q.setCredentialExpired(id) {
			n++
		}
	}
	return n, nil
}

func copyGrant(g models.StaffGrant) models.StaffGrant {
	if g.LastLogin != nil {
		at := *g.LastLogin
		g.LastLogin = &at
	}
	g.SecretHash = append([]byte(nil), g.SecretHash...)
	return g
}

func (q memQueries) CreateGrant(ctx context.Context, g models.StaffGrant) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if _, ok := q.m.principals[g.PrincipalID]; ok {
		return errors.New("store: principal already holds a grant")
	}
	q.m.grants[g.ID] = copyGrant(g)
	q.m.principals[g.PrincipalID] = g.ID
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		delete(q.m.grants, g.ID)
		delete(q.m.principals, g.PrincipalID)
	})
	return nil
}

func (q memQueries) GetGrant(ctx context.Context, id string) (models.StaffGrant, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	g, ok := q.m.grants[id]
	if !ok {
		return models.StaffGrant{}, ErrNotFound
	}
	return copyGrant(g), nil
}

func (q memQueries) GetGrantByPrincipal(ctx context.Context, principalID string) (models.StaffGrant, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	id, ok := q.m.principals[principalID]
	if !ok {
		return models.StaffGrant{}, ErrNotFound
	}
	return copyGrant(q.m.grants[id]), nil
}

func (q memQueries) ListGrantsByEvent(ctx context.Context, eventID string) ([]models.StaffGrant, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	grants := make([]models.StaffGrant, 0)
	for _, g := range q.m.grants {
		if g.EventID == eventID {
			grants = append(grants, copyGrant(g))
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].Username < grants[j].Username
		}
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
	return grants, nil
}

// The grant mutators each touch one column, and their undo entries restore
// only that column, so a rolled back change never rewrites another one.
func (q memQueries) DeactivateGrant(ctx context.Context, id string) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	g, ok := q.m.grants[id]
	if !ok {
		return ErrNotFound
	}
	prev := g.IsActive
	g.IsActive = false
	q.m.grants[id] = g
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		g := q.m.grants[id]
		g.IsActive = prev
		q.m.grants[id] = g
	})
	return nil
}

func (q memQueries) ExtendGrant(ctx context.Context, id string, d time.Duration) (time.Time, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	g, ok := q.m.grants[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	g.ValidUntil = g.ValidUntil.Add(d)
	q.m.grants[id] = g
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		g := q.m.grants[id]
		g.ValidUntil = g.ValidUntil.Add(-d)
		q.m.grants[id] = g
	})
	return g.ValidUntil, nil
}

func (q memQueries) SetGrantSecret(ctx context.Context, id string, hash []byte) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	g, ok := q.m.grants[id]
	if !ok {
		return ErrNotFound
	}
	prev := g.SecretHash
	g.SecretHash = append([]byte(nil), hash...)
	q.m.grants[id] = g
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		g := q.m.grants[id]
		g.SecretHash = prev
		q.m.grants[id] = g
	})
	return nil
}

func (q memQueries) TouchGrantLastLogin(ctx context.Context, id string, at time.Time) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	g, ok := q.m.grants[id]
	if !ok {
		return ErrNotFound
	}
	prev := g.LastLogin
	g.LastLogin = &at
	q.m.grants[id] = g
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		g := q.m.grants[id]
		g.LastLogin = prev
		q.m.grants[id] = g
	})
	return nil
}

func (q memQueries) CreateAdmission(ctx context.Context, r models.AdmissionRecord) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	for _, existing := range q.m.admissions {
		if existing.TicketID == r.TicketID {
			return errors.New("store: ticket already has an admission record")
		}
	}
	q.m.admissions = append(q.m.admissions, r)
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		for i, existing := range q.m.admissions {
			if existing.ID == r.ID {
				q.m.admissions = append(q.m.admissions[:i], q.m.admissions[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (q memQueries) ListAdmissionsByEvent(ctx context.Context, eventID string) ([]models.AdmissionRecord, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	records := make([]models.AdmissionRecord, 0)
	for _, r := range q.m.admissions {
		if r.EventID == eventID {
			records = append(records, r)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ValidatedAt.After(records[j].ValidatedAt) })
	return records, nil
}

func (q memQueries) CountAdmissionsByTicket(ctx context.Context, ticketID string) (int, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	n := 0
	for _, r := range q.m.admissions {
		if r.TicketID == ticketID {
			n++
		}
	}
	return n, nil
}

func (q memQueries) UpsertAttendee(ctx context.Context, a models.Attendee) (bool, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	key := attendeeKey{eventID: a.EventID, userID: a.UserID}
	if _, ok := q.m.attendees[key]; ok {
		return false, nil
	}
	q.m.attendees[key] = a
	q.record(func() {
		q.m.mu.Lock()
		defer q.m.mu.Unlock()
		delete(q.m.attendees, key)
	})
	return true, nil
}

func (q memQueries) IsAttendee(ctx context.Context, eventID, userID string) (bool, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	_, ok := q.m.attendees[attendeeKey{eventID: eventID, userID: userID}]
	return ok, nil
}

func (q memQueries) ListAttendees(ctx context.Context, eventID string) ([]models.Attendee, error) {
	q.m.mu.RLock()
	defer q.m.mu.RUnlock()
	attendees := make([]models.Attendee, 0)
	for key, a := range q.m.attendees {
		if key.eventID == eventID {
			attendees = append(attendees, a)
		}
	}
	sort.Slice(attendees, func(i, j int) bool { return attendees[i].RegisteredAt.Before(attendees[j].RegisteredAt) })
	return attendees, nil
}
