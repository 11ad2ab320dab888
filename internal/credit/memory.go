package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/provider"
)

var (
	_ Service = (*Engine)(nil)
	_ Service = (*Memory)(nil)
)

// Memory is an in-memory Service with the same semantics as Engine. One
// mutex stands in for the database's row locks, which preserves the
// atomicity the engine gets from transactions.
type Memory struct {
	mu         sync.Mutex
	processed  map[string]bool
	accounts   map[string]*account.Account
	identities map[string]string
	payments   map[string]*payment.Payment
	entries    []*ledger.Entry
	actions    []*audit.AdminAction
	lastTime   time.Time
}

// NewMemory creates an empty in-memory credit service.
func NewMemory() *Memory {
	return &Memory{
		processed:  make(map[string]bool),
		accounts:   make(map[string]*account.Account),
		identities: make(map[string]string),
		payments:   make(map[string]*payment.Payment),
	}
}

// CreateAccount adds an account with the given identifiers and returns its
// id. Intended for test setup.
func (m *Memory) CreateAccount(ids ...account.Identifier) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccount(ids)
}

// Actions returns recorded admin actions, for assertions.
func (m *Memory) Actions() []*audit.AdminAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*audit.AdminAction, len(m.actions))
	copy(out, m.actions)
	return out
}

// Payment returns a copy of a stored payment, for assertions.
func (m *Memory) Payment(id string) (*payment.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (m *Memory) createAccount(ids []account.Identifier) string {
	now := time.Now().UTC()
	a := &account.Account{
		ID:        uuid.New().String(),
		Status:    account.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[a.ID] = a
	m.attachIdentities(a.ID, ids)
	return a.ID
}

func (m *Memory) attachIdentities(accountID string, ids []account.Identifier) {
	for _, id := range ids {
		key := identityKey(id)
		if _, claimed := m.identities[key]; !claimed {
			m.identities[key] = accountID
		}
	}
}

func (m *Memory) resolve(ids []account.Identifier) (string, error) {
	candidates := account.CandidateOrder(ids)
	if len(candidates) == 0 {
		return "", account.ErrUnresolved
	}
	for _, c := range candidates {
		if accountID, ok := m.identities[identityKey(c)]; ok {
			m.attachIdentities(accountID, candidates)
			return accountID, nil
		}
	}
	return m.createAccount(candidates), nil
}

func (m *Memory) balance(accountID string) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.AccountID == accountID {
			sum += e.Delta
		}
	}
	return sum
}

func (m *Memory) purchaseCredits(paymentID string) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.PaymentID != nil && *e.PaymentID == paymentID && e.Reason == ledger.ReasonPurchase {
			sum += e.Delta
		}
	}
	return sum
}

func (m *Memory) append(e *ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.ID = uuid.New().String()
	e.CreatedAt = m.now()
	m.entries = append(m.entries, e)
	return nil
}

// now returns a strictly increasing timestamp so newest-first ordering is
// unambiguous even when entries land within the clock's resolution.
func (m *Memory) now() time.Time {
	t := time.Now().UTC()
	if !t.After(m.lastTime) {
		t = m.lastTime.Add(time.Nanosecond)
	}
	m.lastTime = t
	return t
}

func (m *Memory) findPayment(providerName, intentID, sessionID string) *payment.Payment {
	if intentID != "" {
		for _, p := range m.payments {
			if p.Provider == providerName && p.ProviderPaymentIntentID != nil && *p.ProviderPaymentIntentID == intentID {
				return p
			}
		}
	}
	if sessionID != "" {
		for _, p := range m.payments {
			if p.Provider == providerName && p.ProviderCheckoutSessionID != nil && *p.ProviderCheckoutSessionID == sessionID {
				return p
			}
		}
	}
	return nil
}

// ProcessEvent implements Service.
func (m *Memory) ProcessEvent(_ context.Context, event *provider.Event) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claimKey := event.Provider + "\x00" + event.ID
	if m.processed[claimKey] {
		return &Outcome{Duplicate: true}, nil
	}
	m.processed[claimKey] = true

	if event.Kind == payment.EventUnknown || (event.PaymentIntentID == "" && event.CheckoutSessionID == "") {
		return &Outcome{Ignored: true}, nil
	}

	outcome := &Outcome{}

	pay := m.findPayment(event.Provider, event.PaymentIntentID, event.CheckoutSessionID)
	if pay == nil {
		pay = &payment.Payment{
			ID:                        uuid.New().String(),
			Provider:                  event.Provider,
			ProviderPaymentIntentID:   nullable(event.PaymentIntentID),
			ProviderCheckoutSessionID: nullable(event.CheckoutSessionID),
			AmountCents:               event.AmountCents,
			Currency:                  event.Currency,
			ExpectedCredits:           event.Credits,
			Status:                    payment.StatusInit,
			CreatedAt:                 time.Now().UTC(),
		}
		m.payments[pay.ID] = pay
	}
	if pay.AccountID == nil && len(event.Identifiers) > 0 {
		accountID, err := m.resolve(event.Identifiers)
		if err == nil {
			pay.AccountID = &accountID
		}
	}
	if pay.AccountID == nil {
		outcome.Unresolved = true
	}

	next, ok := payment.Transition(pay.Status, event.Kind)
	if !ok {
		// Re-observed success on a paid-but-uncredited payment retries
		// the crediting step, mirroring the engine's repair path.
		if pay.Status == payment.StatusPaid && event.Kind == payment.EventPaymentSucceeded {
			next = payment.StatusPaid
		} else {
			outcome.Ignored = true
			outcome.PaymentID = pay.ID
			outcome.Status = pay.Status
			return outcome, nil
		}
	}

	pay.Status = next
	mergeEventData(pay, event)
	pay.UpdatedAt = time.Now().UTC()

	switch next {
	case payment.StatusPaid:
		if pay.AccountID != nil && pay.ExpectedCredits > 0 {
			if err := m.append(&ledger.Entry{
				AccountID:     *pay.AccountID,
				Delta:         pay.ExpectedCredits,
				Reason:        ledger.ReasonPurchase,
				PaymentID:     &pay.ID,
				SourceEventID: nullable(event.ID),
			}); err != nil {
				return nil, err
			}
			pay.Status = payment.StatusCredited
			outcome.CreditedDelta = pay.ExpectedCredits
		}

	case payment.StatusRefunded, payment.StatusChargeback:
		if pay.AccountID != nil {
			if granted := m.purchaseCredits(pay.ID); granted > 0 {
				reason := ledger.ReasonRefund
				if next == payment.StatusChargeback {
					reason = ledger.ReasonChargeback
				}
				if err := m.append(&ledger.Entry{
					AccountID:     *pay.AccountID,
					Delta:         -granted,
					Reason:        reason,
					PaymentID:     &pay.ID,
					SourceEventID: nullable(event.ID),
				}); err != nil {
					return nil, err
				}
				outcome.CreditedDelta = -granted
			}
		}
	}

	outcome.PaymentID = pay.ID
	outcome.Status = pay.Status
	if pay.AccountID != nil {
		outcome.AccountID = *pay.AccountID
	}
	return outcome, nil
}

// Balance implements Service.
func (m *Memory) Balance(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return 0, account.ErrAccountNotFound
	}
	return m.balance(accountID), nil
}

// Debit implements Service.
func (m *Memory) Debit(_ context.Context, req DebitRequest) (*ledger.Entry, int64, error) {
	if req.Amount <= 0 {
		return nil, 0, ledger.ErrZeroDelta
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[req.AccountID]; !ok {
		return nil, 0, account.ErrAccountNotFound
	}

	balance := m.balance(req.AccountID)
	if balance < req.Amount {
		return nil, 0, fmt.Errorf("%w: balance %d, requested %d", ledger.ErrInsufficientCredits, balance, req.Amount)
	}

	entry := &ledger.Entry{
		AccountID: req.AccountID,
		Delta:     -req.Amount,
		Reason:    ledger.ReasonUsage,
		Reference: nullable(req.Reference),
	}
	if err := m.append(entry); err != nil {
		return nil, 0, err
	}
	return entry, balance - req.Amount, nil
}

// AdminAdjust implements Service.
func (m *Memory) AdminAdjust(_ context.Context, req AdjustRequest) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[req.TargetAccountID]; !ok {
		return nil, account.ErrAccountNotFound
	}

	balance := m.balance(req.TargetAccountID)
	if req.Delta < 0 && balance+req.Delta < 0 && !req.AllowNegative {
		return nil, fmt.Errorf("%w: balance %d, adjustment %d", ledger.ErrInsufficientCredits, balance, req.Delta)
	}

	action := &audit.AdminAction{
		ID:              uuid.New().String(),
		ActorAccountID:  req.ActorAccountID,
		TargetAccountID: req.TargetAccountID,
		Delta:           req.Delta,
		Comment:         req.Comment,
		CreatedAt:       time.Now().UTC(),
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	m.actions = append(m.actions, action)

	entry := &ledger.Entry{
		AccountID: req.TargetAccountID,
		Delta:     req.Delta,
		Reason:    ledger.ReasonAdminAdjust,
		Reference: &action.ID,
	}
	if err := m.append(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// History implements Service.
func (m *Memory) History(_ context.Context, accountID string, limit, offset int) ([]*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, account.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 50
	}

	var all []*ledger.Entry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			all = append(all, e)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListActions implements Service.
func (m *Memory) ListActions(_ context.Context, targetAccountID string, limit int) ([]*audit.AdminAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var out []*audit.AdminAction
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.actions[i]
		if targetAccountID != "" && a.TargetAccountID != targetAccountID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// StalePayments implements Service.
func (m *Memory) StalePayments(_ context.Context, cutoff time.Time, limit int) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var stale []*payment.Payment
	for _, p := range m.payments {
		if (p.Status == payment.StatusInit || p.Status == payment.StatusPaid) && p.CreatedAt.Before(cutoff) {
			cp := *p
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Anonymize implements Service.
func (m *Memory) Anonymize(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return account.ErrAccountNotFound
	}
	for key, owner := range m.identities {
		if owner == accountID {
			delete(m.identities, key)
		}
	}
	a.Status = account.StatusAnonymized
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func identityKey(id account.Identifier) string {
	return string(id.Kind) + "\x00" + id.Value
}
