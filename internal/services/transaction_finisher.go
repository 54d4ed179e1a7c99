package services

import (
	"context"
	"sync"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/platform"
	"iap-bridge/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// FinishState is a step of a purchase's completion lifecycle
type FinishState string

const (
	FinishStateReceived      FinishState = "received"
	FinishStateConsuming     FinishState = "consuming"
	FinishStateAcknowledging FinishState = "acknowledging"
	FinishStateFinishing     FinishState = "finishing"
	FinishStateNoneRequired  FinishState = "none-required"
	FinishStateFinished      FinishState = "finished"
)

// finishTransitions lists the legal moves. In-flight states fall back to
// received on native failure so the purchase can be finished again later.
var finishTransitions = map[FinishState][]FinishState{
	FinishStateReceived:      {FinishStateConsuming, FinishStateAcknowledging, FinishStateFinishing, FinishStateNoneRequired},
	FinishStateConsuming:     {FinishStateFinished, FinishStateReceived},
	FinishStateAcknowledging: {FinishStateFinished, FinishStateReceived},
	FinishStateFinishing:     {FinishStateFinished, FinishStateReceived},
	FinishStateNoneRequired:  {FinishStateFinished},
	FinishStateFinished:      {},
}

var actionStates = map[platform.FinishAction]FinishState{
	platform.FinishActionConsume:     FinishStateConsuming,
	platform.FinishActionAcknowledge: FinishStateAcknowledging,
	platform.FinishActionFinish:      FinishStateFinishing,
	platform.FinishActionNone:        FinishStateNoneRequired,
}

// ConnectionGuard reports whether a native session is open
type ConnectionGuard interface {
	RequireConnected() error
}

// TransactionFinisher closes out purchases with the native call the
// platform and product kind require
type TransactionFinisher struct {
	store   platform.Store
	conn    ConnectionGuard
	events  *EventMultiplexer
	ledger  FinishLedger
	metrics *Metrics
	now     func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	states map[string]FinishState
}

func NewTransactionFinisher(store platform.Store, conn ConnectionGuard, events *EventMultiplexer, ledger FinishLedger, metrics *Metrics) *TransactionFinisher {
	if ledger == nil {
		ledger = NewMemoryFinishLedger(0)
	}
	return &TransactionFinisher{
		store:   store,
		conn:    conn,
		events:  events,
		ledger:  ledger,
		metrics: metrics,
		now:     time.Now,
		states:  make(map[string]FinishState),
	}
}

// State returns the lifecycle state of an in-progress purchase
func (f *TransactionFinisher) State(purchase models.Purchase) FinishState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[purchase.Key()]; ok {
		return state
	}
	return FinishStateReceived
}

// FinishTransaction consumes, acknowledges or finishes the purchase. It
// returns true once the native side confirmed, or when the purchase was
// already finished. Failures are also published on the purchase-error channel.
func (f *TransactionFinisher) FinishTransaction(ctx context.Context, purchase models.Purchase, isConsumable bool) (bool, error) {
	if purchase == nil {
		return false, f.fail(nil, models.NewPurchaseError(models.ErrorCodeDeveloperError, "no purchase to finish"))
	}
	if err := f.conn.RequireConnected(); err != nil {
		return false, f.fail(purchase, err)
	}

	_, err, _ := f.group.Do(purchase.Key(), func() (interface{}, error) {
		return nil, f.finish(ctx, purchase, isConsumable)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *TransactionFinisher) finish(ctx context.Context, purchase models.Purchase, isConsumable bool) error {
	key := purchase.Key()

	finished, err := f.ledger.IsFinished(ctx, key)
	if err != nil {
		logging.Warnf("Finish ledger lookup failed for %s, continuing with native finish: %v", key, err)
	}
	if finished {
		logging.Debugf("Purchase %s already finished", key)
		return nil
	}

	action, err := f.store.PlanFinish(purchase, isConsumable)
	if err != nil {
		return f.fail(purchase, err)
	}
	if err := f.transition(key, actionStates[action]); err != nil {
		return f.fail(purchase, err)
	}

	if android, ok := purchase.(*models.PurchaseAndroid); ok && action == platform.FinishActionAcknowledge {
		if deadline := android.AcknowledgementDeadline(); f.now().After(deadline) {
			logging.Warnf("Acknowledging %s after its deadline %s; Play may already have refunded it",
				android.ProductID, deadline.Format(time.RFC3339))
		}
	}

	start := time.Now()
	err = f.store.Finish(ctx, purchase, action)
	f.metrics.RecordFinish(string(action), time.Since(start), err)
	if err != nil {
		if transitionErr := f.transition(key, FinishStateReceived); transitionErr != nil {
			logging.Errorf("Finish state reset failed for %s: %v", key, transitionErr)
		}
		return f.fail(purchase, err)
	}

	if err := f.transition(key, FinishStateFinished); err != nil {
		return f.fail(purchase, err)
	}
	if err := f.ledger.MarkFinished(ctx, FinishRecord{
		Key:        key,
		Platform:   purchase.Common().Platform,
		ProductID:  purchase.Common().ProductID,
		Action:     string(action),
		FinishedAt: f.now(),
	}); err != nil {
		logging.Errorf("Failed to record finished purchase %s: %v", key, err)
	}

	f.mu.Lock()
	delete(f.states, key)
	f.mu.Unlock()

	logging.Infof("Finished purchase %s with %s", key, action)
	return nil
}

func (f *TransactionFinisher) transition(key string, to FinishState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, ok := f.states[key]
	if !ok {
		from = FinishStateReceived
	}
	for _, allowed := range finishTransitions[from] {
		if allowed == to {
			if to == FinishStateReceived {
				delete(f.states, key)
			} else {
				f.states[key] = to
			}
			return nil
		}
	}
	return models.NewPurchaseError(models.ErrorCodeDeveloperError, "illegal finish transition %s -> %s for %s", from, to, key)
}

// fail normalizes err, publishes it and returns it
func (f *TransactionFinisher) fail(purchase models.Purchase, err error) *models.PurchaseError {
	purchaseErr := models.AsPurchaseError(err, models.ErrorCodeUnknown)
	if purchase != nil && purchaseErr.ProductID == "" {
		purchaseErr = purchaseErr.WithProduct(purchase.Common().ProductID)
	}
	if purchaseErr.Platform == "" {
		purchaseErr.Platform = f.store.Platform()
	}
	logging.Errorf("Finish transaction failed: %v", purchaseErr)
	f.events.PurchaseError.Publish(purchaseErr)
	return purchaseErr
}

// OverdueAcknowledgement is an unacknowledged Play purchase near or past
// its acknowledgement deadline
type OverdueAcknowledgement struct {
	Purchase *models.PurchaseAndroid `json:"purchase"`
	Deadline time.Time               `json:"deadline"`
	Overdue  bool                    `json:"overdue"`
}

// OverdueAcknowledgements lists unacknowledged purchases whose deadline
// falls within the given margin. StoreKit has no deadline, so iOS always
// returns an empty list.
func (f *TransactionFinisher) OverdueAcknowledgements(ctx context.Context, within time.Duration) ([]OverdueAcknowledgement, error) {
	if err := f.conn.RequireConnected(); err != nil {
		return nil, err
	}
	if f.store.Platform() != models.PlatformAndroid {
		return []OverdueAcknowledgement{}, nil
	}

	purchases, err := f.store.AvailablePurchases(ctx)
	if err != nil {
		return nil, err
	}

	now := f.now()
	overdue := []OverdueAcknowledgement{}
	for _, purchase := range purchases {
		android, ok := purchase.(*models.PurchaseAndroid)
		if !ok || android.Acknowledged || android.State != models.PurchaseStatePurchased {
			continue
		}
		deadline := android.AcknowledgementDeadline()
		if deadline.Sub(now) > within {
			continue
		}
		overdue = append(overdue, OverdueAcknowledgement{
			Purchase: android,
			Deadline: deadline,
			Overdue:  now.After(deadline),
		})
	}
	return overdue, nil
}
