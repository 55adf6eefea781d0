// Package testutil provides in-memory test doubles for the billing store.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/kamilpajak/billsync/internal/database"
)

type memState struct {
	profiles      map[string]database.UserProfile
	customers     map[string]database.Customer // by user ID
	subscriptions map[string]database.Subscription
	invoices      map[string]database.Invoice
	events        map[string]database.ProcessedEvent
}

func (s memState) clone() memState {
	return memState{
		profiles:      lo.Assign(s.profiles),
		customers:     lo.Assign(s.customers),
		subscriptions: lo.Assign(s.subscriptions),
		invoices:      lo.Assign(s.invoices),
		events:        lo.Assign(s.events),
	}
}

// MemStore is an in-memory billing store with the same conditional-write
// semantics as the Postgres implementation. Transactions are serialised and
// applied to a copy that replaces the state only on success.
type MemStore struct {
	mu     sync.Mutex
	state  memState
	clock  time.Time
	errors map[string]error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		state: memState{
			profiles:      map[string]database.UserProfile{},
			customers:     map[string]database.Customer{},
			subscriptions: map[string]database.Subscription{},
			invoices:      map[string]database.Invoice{},
			events:        map[string]database.ProcessedEvent{},
		},
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		errors: map[string]error{},
	}
}

// FailOn makes every call of the named operation return err until cleared
// with a nil err. Operation names match the method names.
func (m *MemStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, op)
		return
	}
	m.errors[op] = err
}

// tick returns a strictly increasing timestamp for updated_at columns.
func (m *MemStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

// AddUserProfile seeds a user profile.
func (m *MemStore) AddUserProfile(userID, email string) {
	_, _ = m.UpsertUserProfile(context.Background(), userID, email)
}

// UpsertUserProfile creates or updates a user profile.
func (m *MemStore) UpsertUserProfile(_ context.Context, userID, email string) (*database.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["UpsertUserProfile"]; err != nil {
		return nil, err
	}
	now := m.tick()
	p, ok := m.state.profiles[userID]
	if !ok {
		p = database.UserProfile{UserID: userID, CreatedAt: now}
	}
	p.Email = email
	p.UpdatedAt = now
	m.state.profiles[userID] = p
	return &p, nil
}

// GetUserProfile returns the profile or nil.
func (m *MemStore) GetUserProfile(_ context.Context, userID string) (*database.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["GetUserProfile"]; err != nil {
		return nil, err
	}
	p, ok := m.state.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// GetCustomer returns the user's customer mapping or nil.
func (m *MemStore) GetCustomer(_ context.Context, userID string) (*database.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["GetCustomer"]; err != nil {
		return nil, err
	}
	c, ok := m.state.customers[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// CreateCustomer inserts the mapping unless the user already has one.
func (m *MemStore) CreateCustomer(_ context.Context, userID, providerCustomerID string) (*database.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["CreateCustomer"]; err != nil {
		return nil, false, err
	}
	if c, ok := m.state.customers[userID]; ok {
		return &c, false, nil
	}
	c := database.Customer{UserID: userID, ProviderCustomerID: providerCustomerID, CreatedAt: m.tick()}
	m.state.customers[userID] = c
	return &c, true, nil
}

// CustomerCount returns the number of customer rows.
func (m *MemStore) CustomerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.customers)
}

// GetSubscription returns a subscription by provider ID or nil.
func (m *MemStore) GetSubscription(_ context.Context, providerSubscriptionID string) (*database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["GetSubscription"]; err != nil {
		return nil, err
	}
	return m.state.getSubscription(providerSubscriptionID), nil
}

func (s memState) getSubscription(id string) *database.Subscription {
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil
	}
	return &sub
}

func (s memState) userSubscriptions(userID string) []database.Subscription {
	subs := lo.Filter(lo.Values(s.subscriptions), func(sub database.Subscription, _ int) bool {
		return sub.UserID == userID
	})
	sort.Slice(subs, func(i, j int) bool { return subs[i].UpdatedAt.After(subs[j].UpdatedAt) })
	return subs
}

// GetActiveSubscription returns the user's most recently updated
// non-canceled subscription or nil.
func (m *MemStore) GetActiveSubscription(_ context.Context, userID string) (*database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["GetActiveSubscription"]; err != nil {
		return nil, err
	}
	sub, ok := lo.Find(m.state.userSubscriptions(userID), func(s database.Subscription) bool {
		return s.Status != database.StatusCanceled
	})
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// GetCurrentSubscription returns the active subscription, else the most
// recently updated one, else nil.
func (m *MemStore) GetCurrentSubscription(ctx context.Context, userID string) (*database.Subscription, error) {
	active, err := m.GetActiveSubscription(ctx, userID)
	if err != nil || active != nil {
		return active, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.state.userSubscriptions(userID)
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// ApplyOptimisticUpdate overwrites the row if its version still equals
// expectedEventAt, without changing the version.
func (m *MemStore) ApplyOptimisticUpdate(_ context.Context, sub database.Subscription, expectedEventAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["ApplyOptimisticUpdate"]; err != nil {
		return false, err
	}
	stored, ok := m.state.subscriptions[sub.ProviderSubscriptionID]
	if !ok || !sameVersion(stored.ProviderEventAt, expectedEventAt) {
		return false, nil
	}
	stored.ProviderPriceID = sub.ProviderPriceID
	stored.PlanTier = sub.PlanTier
	stored.Status = sub.Status
	stored.CurrentPeriodEnd = sub.CurrentPeriodEnd
	stored.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	stored.UpdatedAt = m.tick()
	m.state.subscriptions[sub.ProviderSubscriptionID] = stored
	return true, nil
}

func sameVersion(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ListInvoices returns the user's newest invoices first.
func (m *MemStore) ListInvoices(_ context.Context, userID string, limit int) ([]database.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["ListInvoices"]; err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	invoices := lo.Filter(lo.Values(m.state.invoices), func(inv database.Invoice, _ int) bool {
		return inv.UserID == userID
	})
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].IssuedAt.After(invoices[j].IssuedAt) })
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

// InvoiceCount returns the number of invoice rows.
func (m *MemStore) InvoiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.invoices)
}

// IsWebhookEventProcessed reports whether the event is in the ledger.
func (m *MemStore) IsWebhookEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["IsWebhookEventProcessed"]; err != nil {
		return false, err
	}
	_, ok := m.state.events[eventID]
	return ok, nil
}

// ProcessedEvent returns the ledger row for an event or nil.
func (m *MemStore) ProcessedEvent(eventID string) *database.ProcessedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.events[eventID]
	if !ok {
		return nil
	}
	return &e
}

// WithWebhookEvent claims the event and runs fn in one transaction.
func (m *MemStore) WithWebhookEvent(
	ctx context.Context,
	eventID, eventType string,
	fn func(database.Writer) (string, error),
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["WithWebhookEvent"]; err != nil {
		return false, err
	}
	if _, ok := m.state.events[eventID]; ok {
		return false, nil
	}

	tx := &memTx{store: m, state: m.state.clone()}
	outcome, err := fn(tx)
	if err != nil {
		return false, err
	}
	tx.state.events[eventID] = database.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		Outcome:     outcome,
		ProcessedAt: m.tick(),
	}
	m.state = tx.state
	return true, nil
}

// WithinTx runs fn in a transaction.
func (m *MemStore) WithinTx(ctx context.Context, fn func(database.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["WithinTx"]; err != nil {
		return err
	}
	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// memTx is the Writer handed to transaction callbacks. The store mutex is
// held for its whole lifetime.
type memTx struct {
	store *MemStore
	state memState
}

func (t *memTx) GetSubscription(_ context.Context, providerSubscriptionID string) (*database.Subscription, error) {
	return t.state.getSubscription(providerSubscriptionID), nil
}

func (t *memTx) GetCustomerByProviderID(_ context.Context, providerCustomerID string) (*database.Customer, error) {
	c, ok := lo.Find(lo.Values(t.state.customers), func(c database.Customer) bool {
		return c.ProviderCustomerID == providerCustomerID
	})
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) EnsureCustomer(ctx context.Context, userID, providerCustomerID string) error {
	if err := t.store.errors["EnsureCustomer"]; err != nil {
		return err
	}
	if c, ok := t.state.customers[userID]; ok {
		if c.ProviderCustomerID != providerCustomerID {
			return database.ErrCustomerConflict
		}
		return nil
	}
	if other, _ := t.GetCustomerByProviderID(ctx, providerCustomerID); other != nil {
		return database.ErrCustomerConflict
	}
	t.state.customers[userID] = database.Customer{
		UserID:             userID,
		ProviderCustomerID: providerCustomerID,
		CreatedAt:          t.store.tick(),
	}
	return nil
}

func (t *memTx) UpsertSubscription(_ context.Context, sub database.Subscription, eventAt time.Time) (bool, error) {
	if err := t.store.errors["UpsertSubscription"]; err != nil {
		return false, err
	}
	if _, ok := lo.Find(lo.Values(t.state.customers), func(c database.Customer) bool {
		return c.ProviderCustomerID == sub.ProviderCustomerID
	}); !ok {
		return false, fmt.Errorf("subscription %s references unknown customer %s", sub.ProviderSubscriptionID, sub.ProviderCustomerID)
	}

	stored, exists := t.state.subscriptions[sub.ProviderSubscriptionID]
	if exists && stored.ProviderEventAt != nil && stored.ProviderEventAt.After(eventAt) {
		return false, nil
	}
	if exists {
		// user and customer are set on insert only
		sub.UserID = stored.UserID
		sub.ProviderCustomerID = stored.ProviderCustomerID
	}
	at := eventAt
	sub.ProviderEventAt = &at
	sub.UpdatedAt = t.store.tick()
	t.state.subscriptions[sub.ProviderSubscriptionID] = sub
	return true, nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv database.Invoice) (bool, error) {
	if err := t.store.errors["InsertInvoice"]; err != nil {
		return false, err
	}
	if _, ok := t.state.invoices[inv.ProviderInvoiceID]; ok {
		return false, nil
	}
	t.state.invoices[inv.ProviderInvoiceID] = inv
	return true, nil
}
