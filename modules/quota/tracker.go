package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"qr-themer-server/modules/common/store"
)

// Identity - which allowance a submission draws from
type Identity string

const (
	// IdentityShared - the site's credential: daily allotment with date rollover
	IdentityShared Identity = "shared"
	// IdentityCustom - a user-supplied credential: session-lifetime count
	// against an optional user-defined ceiling
	IdentityCustom Identity = "custom"
)

const dailyQuotaKey = "qr-themer:daily-quota"

// persisted state survives restarts within the TTL; the date field drives rollover
const dailyQuotaTTL = 48 * time.Hour

// quotaState - persisted JSON for the shared identity
type quotaState struct {
	Remaining int    `json:"remaining"`
	ResetDate string `json:"reset_date"` // YYYY-MM-DD
}

// Reservation - outcome of a checkAndReserve call
type Reservation struct {
	Allowed    bool
	Remaining  int  // balance after the reservation (pre-check balance when rejected)
	LowBalance bool // advisory only, never blocks
	Unlimited  bool
}

// Tracker - gates submissions before they enter the queue. Callers must
// reserve before enqueueing; remaining never goes negative by construction.
type Tracker struct {
	kv           store.KV
	dailyLimit   int
	lowThreshold int

	mu           sync.Mutex
	sessionCount int
	sessionLimit *int // nil means unlimited
}

func NewTracker(kv store.KV, dailyLimit, lowThreshold int) *Tracker {
	return &Tracker{
		kv:           kv,
		dailyLimit:   dailyLimit,
		lowThreshold: lowThreshold,
	}
}

// SetSessionLimit - user-defined safety ceiling for the custom identity.
// nil clears it back to unlimited.
func (t *Tracker) SetSessionLimit(limit *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionLimit = limit
	if limit != nil {
		log.Printf("💰 [Quota] Session limit set to %d (used so far: %d)", *limit, t.sessionCount)
	} else {
		log.Printf("💰 [Quota] Session limit cleared (unlimited)")
	}
}

// CheckAndReserve - check the allowance and consume it in one step. amount may
// exceed the whole balance, in which case the entire request is rejected with
// nothing granted.
func (t *Tracker) CheckAndReserve(ctx context.Context, identity Identity, amount int) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("invalid reservation amount: %d", amount)
	}

	switch identity {
	case IdentityCustom:
		return t.reserveSession(amount), nil
	default:
		return t.reserveDaily(ctx, amount)
	}
}

// reserveDaily - shared identity: persisted {remaining, resetDate} with
// rollover to the full allotment when the stored date is not today
func (t *Tracker) reserveDaily(ctx context.Context, amount int) (Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.loadDailyState(ctx)
	if err != nil {
		return Reservation{}, err
	}

	if state.Remaining < amount {
		log.Printf("💰 [Quota] Rejected: need %d, only %d left today", amount, state.Remaining)
		return Reservation{Allowed: false, Remaining: state.Remaining}, nil
	}

	// advisory fires on the pre-consume balance, once per accepted submission
	lowBalance := state.Remaining <= t.lowThreshold

	state.Remaining -= amount
	if err := t.persistDailyState(ctx, state); err != nil {
		return Reservation{}, err
	}

	log.Printf("💰 [Quota] Reserved %d, %d left today", amount, state.Remaining)
	return Reservation{Allowed: true, Remaining: state.Remaining, LowBalance: lowBalance}, nil
}

// reserveSession - custom identity: in-memory count, optional ceiling,
// unlimited when no ceiling is set
func (t *Tracker) reserveSession(amount int) Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionLimit == nil {
		t.sessionCount += amount
		log.Printf("💰 [Quota] Custom key usage: %d this session (no ceiling)", t.sessionCount)
		return Reservation{Allowed: true, Remaining: -1, Unlimited: true}
	}

	limit := *t.sessionLimit
	if t.sessionCount+amount > limit {
		remaining := limit - t.sessionCount
		log.Printf("💰 [Quota] Rejected: session ceiling %d reached (%d used)", limit, t.sessionCount)
		return Reservation{Allowed: false, Remaining: remaining}
	}

	t.sessionCount += amount
	remaining := limit - t.sessionCount
	log.Printf("💰 [Quota] Reserved %d against session ceiling, %d left", amount, remaining)
	return Reservation{Allowed: true, Remaining: remaining, LowBalance: remaining <= t.lowThreshold}
}

// Remaining - current balance for display, without consuming anything
func (t *Tracker) Remaining(ctx context.Context, identity Identity) (remaining int, unlimited bool, err error) {
	if identity == IdentityCustom {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.sessionLimit == nil {
			return -1, true, nil
		}
		return *t.sessionLimit - t.sessionCount, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	state, err := t.loadDailyState(ctx)
	if err != nil {
		return 0, false, err
	}
	return state.Remaining, false, nil
}

// loadDailyState - read persisted state, rolling over to the full allotment
// when absent, unparseable or dated before today. Caller holds the lock.
func (t *Tracker) loadDailyState(ctx context.Context) (quotaState, error) {
	today := time.Now().Format("2006-01-02")
	fresh := quotaState{Remaining: t.dailyLimit, ResetDate: today}

	raw, ok, err := t.kv.Get(ctx, dailyQuotaKey)
	if err != nil {
		return quotaState{}, fmt.Errorf("failed to read quota state: %w", err)
	}
	if !ok {
		return fresh, nil
	}

	var state quotaState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		log.Printf("⚠️  [Quota] Corrupt quota state, resetting: %v", err)
		return fresh, nil
	}

	if state.ResetDate != today {
		log.Printf("🔄 [Quota] Date rollover (%s → %s), back to %d", state.ResetDate, today, t.dailyLimit)
		return fresh, nil
	}

	return state, nil
}

// persistDailyState - write state with today's date. Caller holds the lock.
func (t *Tracker) persistDailyState(ctx context.Context, state quotaState) error {
	state.ResetDate = time.Now().Format("2006-01-02")

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal quota state: %w", err)
	}

	if err := t.kv.Set(ctx, dailyQuotaKey, string(raw), dailyQuotaTTL); err != nil {
		return fmt.Errorf("failed to persist quota state: %w", err)
	}
	return nil
}
