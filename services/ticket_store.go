package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/monitoring"
	"festival-gate/utils"
)

// ticketVersionScript bumps a ticket's version only when the caller
// still holds the current one. Redis is the serialization point for
// cross-device commits; two seller devices racing on the same ticket
// cannot both pass this script.
const ticketVersionScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local expected = tonumber(ARGV[1])
if current ~= expected then
	return {0, current}
end
redis.call('SET', KEYS[1], expected + 1)
return {1, expected + 1}
`

// TicketObserver receives the full ticket snapshot after every
// committed mutation.
type TicketObserver func(snapshot []*models.Ticket)

// TicketUpdate carries the mutable ticket fields. Immutable fields
// (id, user, code, purchase date) have no representation here, so they
// cannot be altered through Update at all.
type TicketUpdate struct {
	Status        *string
	Kids          *int
	Adults        *int
	TotalAmount   *decimal.Decimal
	PaymentMethod *string
	IssuerID      *string
}

// TicketStore is the shared, observable collection of ticket records:
// an in-memory snapshot with derived indices, persisted through a
// document store backend and broadcast to subscribed devices.
//
// Observer contract: subscribers are invoked synchronously, before
// Create/Update returns to the caller. PubNub fanout to remote devices
// is asynchronous best-effort.
type TicketStore struct {
	backend Backend
	redis   *redis.Client
	pubnub  *pubnub.PubNub
	breaker *utils.CircuitBreaker
	timeout time.Duration

	mu      sync.RWMutex
	byID    map[string]*models.Ticket
	byUser  map[string][]string // ticket ids, insertion order
	byCode  map[string]string   // code -> ticket id
	subs    map[int]TicketObserver
	nextSub int

	// Ids and codes claimed by a Create that has not committed yet, so
	// two concurrent creates cannot both pass the duplicate check.
	pendingIDs   map[string]struct{}
	pendingCodes map[string]struct{}
}

func NewTicketStore(backend Backend, redisClient *redis.Client, pn *pubnub.PubNub, storeTimeout time.Duration) *TicketStore {
	return &TicketStore{
		backend: backend,
		redis:   redisClient,
		pubnub:  pn,
		breaker: utils.NewCircuitBreaker("ticket-store"),
		timeout: storeTimeout,
		byID:    make(map[string]*models.Ticket),
		byUser:  make(map[string][]string),
		byCode:  make(map[string]string),
		subs:    make(map[int]TicketObserver),

		pendingIDs:   make(map[string]struct{}),
		pendingCodes: make(map[string]struct{}),
	}
}

// Hydrate loads the snapshot from the backend. Called once at startup.
func (s *TicketStore) Hydrate(ctx context.Context) error {
	tickets, err := s.backend.LoadTickets(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		s.index(t)
	}
	log.Printf("Ticket store hydrated with %d tickets", len(tickets))
	return nil
}

// Create inserts a new ticket. The id and code must be fresh; the
// store does not trust callers on either.
func (s *TicketStore) Create(ctx context.Context, t *models.Ticket) error {
	if err := s.claim(t.ID, t.Code); err != nil {
		return err
	}

	t.Version = 1
	if err := s.persist(ctx, t); err != nil {
		s.mu.Lock()
		s.releaseClaimLocked(t.ID, t.Code)
		s.mu.Unlock()
		return err
	}

	if err := s.redis.Set(ctx, versionKey(t.ID), t.Version, 0).Err(); err != nil {
		// The record is saved; bumpVersion reseeds a missing key from
		// the snapshot on the next conditional write. Log and keep going.
		log.Printf("Failed to seed version for ticket %s: %v", t.ID, err)
	}

	s.mu.Lock()
	s.releaseClaimLocked(t.ID, t.Code)
	s.index(t.Clone())
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot, subs)
	s.publish(t)
	return nil
}

// Update merges the given fields into an existing ticket, conditional
// on expectedVersion. All fields land in one backend save; observers
// never see a half-updated record.
func (s *TicketStore) Update(ctx context.Context, id string, expectedVersion int64, update TicketUpdate) (*models.Ticket, error) {
	s.mu.RLock()
	existing, ok := s.byID[id]
	var next *models.Ticket
	if ok {
		next = existing.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		return nil, status.ErrNotFound
	}

	newVersion, err := s.bumpVersion(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		next.Status = *update.Status
	}
	if update.Kids != nil {
		next.Kids = *update.Kids
	}
	if update.Adults != nil {
		next.Adults = *update.Adults
	}
	if update.TotalAmount != nil {
		next.TotalAmount = *update.TotalAmount
	}
	if update.PaymentMethod != nil {
		next.PaymentMethod = *update.PaymentMethod
	}
	if update.IssuerID != nil {
		next.IssuerID = *update.IssuerID
	}
	next.Version = newVersion

	if err := s.persist(ctx, next); err != nil {
		// Give the version back so a retry against the same snapshot
		// can succeed once the backend recovers.
		s.redis.Set(ctx, versionKey(id), expectedVersion, 0)
		return nil, err
	}

	s.mu.Lock()
	s.byID[id] = next
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot, subs)
	s.publish(next)
	return next.Clone(), nil
}

// FindActiveForUser returns the user's single active ticket, or nil.
// Expiry is applied at read time. Two active rows for one user is a
// data-integrity violation: it is logged and the most recently
// purchased one wins.
func (s *TicketStore) FindActiveForUser(userID string) *models.Ticket {
	return s.findForUser(userID, func(t *models.Ticket, now time.Time) bool {
		return t.EffectiveStatus(now) == models.TicketStatusActive
	})
}

// FindRedeemableForUser is FindActiveForUser widened to include
// pending (reserved, pay-at-gate) tickets, which a gate scan settles
// through the same top-up path.
func (s *TicketStore) FindRedeemableForUser(userID string) *models.Ticket {
	return s.findForUser(userID, func(t *models.Ticket, now time.Time) bool {
		return t.Redeemable(now)
	})
}

func (s *TicketStore) findForUser(userID string, match func(*models.Ticket, time.Time) bool) *models.Ticket {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Ticket
	matches := 0
	for _, id := range s.byUser[userID] {
		t := s.byID[id]
		if t == nil || !match(t, now) {
			continue
		}
		matches++
		if found == nil || t.PurchaseDate.After(found.PurchaseDate) {
			found = t
		}
	}

	if matches > 1 {
		log.Printf("Integrity violation: user %s has %d concurrently redeemable tickets", userID, matches)
		monitoring.IntegrityViolation()
	}
	if found == nil {
		return nil
	}
	return withEffectiveStatus(found, now)
}

func (s *TicketStore) FindByCode(code string) *models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil
	}
	return withEffectiveStatus(s.byID[id], time.Now())
}

func (s *TicketStore) FindByID(id string) *models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil
	}
	return withEffectiveStatus(t, time.Now())
}

// ListForUser returns the user's tickets, newest first.
func (s *TicketStore) ListForUser(userID string) []*models.Ticket {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]*models.Ticket, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		if t := s.byID[id]; t != nil {
			tickets = append(tickets, withEffectiveStatus(t, now))
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].PurchaseDate.After(tickets[j].PurchaseDate)
	})
	return tickets
}

// Subscribe registers an observer and returns its teardown. Observers
// run synchronously on the committing goroutine; keep them cheap.
func (s *TicketStore) Subscribe(observer TicketObserver) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = observer
	count := len(s.subs)
	s.mu.Unlock()

	monitoring.SetSubscriberCount(count)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		count := len(s.subs)
		s.mu.Unlock()
		monitoring.SetSubscriberCount(count)
	}
}

// claim reserves a fresh ticket id and code in one critical section.
// The claim is held until the create commits or fails, so a racing
// Create with the same id or code is rejected up front.
func (s *TicketStore) claim(id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return status.ErrDuplicateID
	}
	if _, ok := s.pendingIDs[id]; ok {
		return status.ErrDuplicateID
	}
	_, bound := s.byCode[code]
	_, claimed := s.pendingCodes[code]
	if bound || claimed {
		return fmt.Errorf("%w: code %q already bound", status.ErrDuplicateID, code)
	}

	s.pendingIDs[id] = struct{}{}
	s.pendingCodes[code] = struct{}{}
	return nil
}

// releaseClaimLocked drops a create claim. Caller holds the write lock.
func (s *TicketStore) releaseClaimLocked(id, code string) {
	delete(s.pendingIDs, id)
	delete(s.pendingCodes, code)
}

// bumpVersion runs the conditional version swap in Redis.
func (s *TicketStore) bumpVersion(ctx context.Context, id string, expected int64) (int64, error) {
	result, err := s.redis.Eval(ctx, ticketVersionScript, []string{versionKey(id)}, expected).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: version check: %v", status.ErrStoreUnavailable, err)
	}

	reply, ok := result.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, fmt.Errorf("%w: unexpected version reply %v", status.ErrStoreUnavailable, result)
	}

	swapped, _ := reply[0].(int64)
	version, _ := reply[1].(int64)
	if swapped == 1 {
		return version, nil
	}

	// Stored versions start at 1, so a reported current of 0 means the
	// key is gone (Redis restarted without persistence). The snapshot
	// version is authoritative then; reseed and claim the bump. SETNX
	// lets only one recovering device win.
	if version == 0 && expected > 0 {
		ok, err := s.redis.SetNX(ctx, versionKey(id), expected+1, 0).Result()
		if err == nil && ok {
			return expected + 1, nil
		}
	}

	monitoring.CommitConflict()
	return 0, status.ErrConcurrentModification
}

func (s *TicketStore) persist(ctx context.Context, t *models.Ticket) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func() error {
		return s.backend.SaveTicket(ctx, t)
	})
	if err != nil {
		monitoring.StoreError("save")
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
	return nil
}

// index inserts into the snapshot maps. Caller holds the write lock.
func (s *TicketStore) index(t *models.Ticket) {
	s.byID[t.ID] = t
	s.byUser[t.UserID] = append(s.byUser[t.UserID], t.ID)
	s.byCode[t.Code] = t.ID
}

func (s *TicketStore) snapshotLocked() ([]*models.Ticket, []TicketObserver) {
	now := time.Now()
	snapshot := make([]*models.Ticket, 0, len(s.byID))
	for _, t := range s.byID {
		snapshot = append(snapshot, withEffectiveStatus(t, now))
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].PurchaseDate.After(snapshot[j].PurchaseDate)
	})

	subs := make([]TicketObserver, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return snapshot, subs
}

func (s *TicketStore) notify(snapshot []*models.Ticket, subs []TicketObserver) {
	for _, sub := range subs {
		sub(snapshot)
	}
	monitoring.SetActiveTickets(countActive(snapshot))
}

// publish pushes the committed ticket to the owner's wallet channel
// and the sellers dashboard channel.
func (s *TicketStore) publish(t *models.Ticket) {
	if s.pubnub == nil {
		return
	}

	message := map[string]any{
		"type":   "ticket_update",
		"ticket": t.Clone(),
	}

	go func() {
		for _, channel := range []string{"tickets-" + t.UserID, "sellers"} {
			if err := s.publishToChannel(channel, message); err != nil {
				log.Printf("Failed to publish ticket %s to %s: %v", t.ID, channel, err)
			}
		}
	}()
}

func (s *TicketStore) publishToChannel(channel string, message any) error {
	_, pnStatus, err := s.pubnub.Publish().
		Channel(channel).
		Message(message).
		Execute()
	if err != nil {
		return err
	}
	return pnStatus.Error
}

func withEffectiveStatus(t *models.Ticket, now time.Time) *models.Ticket {
	c := t.Clone()
	c.Status = t.EffectiveStatus(now)
	return c
}

func countActive(tickets []*models.Ticket) int {
	n := 0
	for _, t := range tickets {
		if t.Status == models.TicketStatusActive {
			n++
		}
	}
	return n
}

func versionKey(id string) string {
	return fmt.Sprintf("ticket:ver:%s", id)
}
