package services

import (
	"encoding/json"
	"fmt"
	"sync"

	"iap-bridge/internal/models"
	"iap-bridge/internal/platform"
	"iap-bridge/pkg/logging"

	"github.com/google/uuid"
)

// Channel names used in event envelopes, metrics and relays
const (
	ChannelPurchaseUpdated          = "purchase-updated"
	ChannelPurchaseError            = "purchase-error"
	ChannelConnectionState          = "connection-state"
	ChannelPromotedProduct          = "promoted-product"
	ChannelUserChoiceBilling        = "user-choice-billing"
	ChannelDeveloperProvidedBilling = "developer-provided-billing"
)

// Subscription is one subscriber's view of a Topic. Events are queued in
// an unbounded mailbox and delivered on C in publish order.
type Subscription[T any] struct {
	id    string
	topic *Topic[T]
	out   chan T

	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription[T]) C() <-chan T { return s.out }

func (s *Subscription[T]) ID() string { return s.id }

// Close detaches the subscription; undelivered events are discarded
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.topic.remove(s.id)
}

func (s *Subscription[T]) enqueue(event T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, event)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}

// Topic is a hot broadcast channel: subscribers see only events published
// after they subscribed
type Topic[T any] struct {
	name    string
	metrics *Metrics

	mu     sync.Mutex
	subs   map[string]*Subscription[T]
	order  []string
	closed bool
}

func newTopic[T any](name string, metrics *Metrics) *Topic[T] {
	return &Topic[T]{
		name:    name,
		metrics: metrics,
		subs:    make(map[string]*Subscription[T]),
	}
}

func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers a new subscriber. Subscribing to a closed topic
// returns a subscription whose channel is already closed.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id:    uuid.NewString(),
		topic: t,
		out:   make(chan T),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.closed = true
		close(sub.done)
		close(sub.out)
		return sub
	}
	t.subs[sub.id] = sub
	t.order = append(t.order, sub.id)
	t.mu.Unlock()

	go sub.drain()
	return sub
}

// Listen calls fn for every future event on a dedicated goroutine until
// remove is called
func (t *Topic[T]) Listen(fn func(T)) (remove func()) {
	sub := t.Subscribe()
	go func() {
		for event := range sub.C() {
			fn(event)
		}
	}()
	return sub.Close
}

// Publish delivers event to every current subscriber. Publishing is
// serialized so all subscribers observe the same order.
func (t *Topic[T]) Publish(event T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, id := range t.order {
		t.subs[id].enqueue(event)
	}
	t.metrics.RecordEvent(t.name)
}

// Subscribers returns the number of attached subscriptions
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic[T]) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[id]; !ok {
		return
	}
	delete(t.subs, id)
	for i, candidate := range t.order {
		if candidate == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Topic[T]) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*Subscription[T], 0, len(t.order))
	for _, id := range t.order {
		subs = append(subs, t.subs[id])
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Envelope is an event tagged with its channel name
type Envelope struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// EventMultiplexer turns raw native callbacks into typed events and fans
// them out on one Topic per channel. It is the native.Listener of a Store.
type EventMultiplexer struct {
	decoder  platform.Decoder
	platform models.Platform

	PurchaseUpdated          *Topic[models.Purchase]
	PurchaseError            *Topic[*models.PurchaseError]
	ConnectionState          *Topic[models.ConnectionResult]
	PromotedProduct          *Topic[string]
	UserChoiceBilling        *Topic[models.UserChoiceBillingDetails]
	DeveloperProvidedBilling *Topic[models.DeveloperProvidedBillingDetails]

	mu           sync.RWMutex
	onDisconnect func(reason string)
	relayRemove  func()
	// products of the billing flow that offered a developer billing option
	developerProducts []string
}

// NewEventMultiplexer creates the channels for a store's payload decoder
func NewEventMultiplexer(decoder platform.Decoder, p models.Platform, metrics *Metrics) *EventMultiplexer {
	return &EventMultiplexer{
		decoder:                  decoder,
		platform:                 p,
		PurchaseUpdated:          newTopic[models.Purchase](ChannelPurchaseUpdated, metrics),
		PurchaseError:            newTopic[*models.PurchaseError](ChannelPurchaseError, metrics),
		ConnectionState:          newTopic[models.ConnectionResult](ChannelConnectionState, metrics),
		PromotedProduct:          newTopic[string](ChannelPromotedProduct, metrics),
		UserChoiceBilling:        newTopic[models.UserChoiceBillingDetails](ChannelUserChoiceBilling, metrics),
		DeveloperProvidedBilling: newTopic[models.DeveloperProvidedBillingDetails](ChannelDeveloperProvidedBilling, metrics),
	}
}

// SetDisconnectHandler installs the callback run on native service loss
func (m *EventMultiplexer) SetDisconnectHandler(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = fn
}

func (m *EventMultiplexer) OnPurchaseUpdated(payload []byte) {
	purchase, err := m.decoder.DecodePurchase(payload)
	if err != nil {
		m.publishDecodeFailure("purchase", err)
		return
	}
	m.PurchaseUpdated.Publish(purchase)
}

func (m *EventMultiplexer) OnPurchaseError(payload []byte) {
	purchaseErr, err := m.decoder.DecodePurchaseError(payload)
	if err != nil {
		m.publishDecodeFailure("purchase error", err)
		return
	}
	m.PurchaseError.Publish(purchaseErr)
}

func (m *EventMultiplexer) OnPromotedProduct(productID string) {
	if productID == "" {
		m.publishDecodeFailure("promoted product", fmt.Errorf("empty product id"))
		return
	}
	m.PromotedProduct.Publish(productID)
}

func (m *EventMultiplexer) OnUserChoiceBilling(payload []byte) {
	var details models.UserChoiceBillingDetails
	if err := json.Unmarshal(payload, &details); err != nil {
		m.publishDecodeFailure("user choice billing", err)
		return
	}
	if details.ExternalTransactionToken == "" {
		m.publishDecodeFailure("user choice billing", fmt.Errorf("missing externalTransactionToken"))
		return
	}
	m.UserChoiceBilling.Publish(details)
}

func (m *EventMultiplexer) OnDeveloperProvidedBilling(payload []byte) {
	var details models.DeveloperProvidedBillingDetails
	if err := json.Unmarshal(payload, &details); err != nil {
		m.publishDecodeFailure("developer provided billing", err)
		return
	}
	if details.ExternalTransactionToken == "" {
		m.publishDecodeFailure("developer provided billing", fmt.Errorf("missing externalTransactionToken"))
		return
	}
	if len(details.Products) == 0 {
		details.Products = m.takeDeveloperBillingProducts()
	}
	m.DeveloperProvidedBilling.Publish(details)
}

// expectDeveloperBilling records the products of a billing flow that
// offers the developer billing option; nil clears it. Play runs one
// billing flow at a time.
func (m *EventMultiplexer) expectDeveloperBilling(productIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.developerProducts = productIDs
}

func (m *EventMultiplexer) takeDeveloperBillingProducts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	products := m.developerProducts
	m.developerProducts = nil
	return products
}

func (m *EventMultiplexer) OnServiceDisconnected(reason string) {
	m.mu.RLock()
	handler := m.onDisconnect
	m.mu.RUnlock()

	if handler != nil {
		handler(reason)
		return
	}
	m.ConnectionState.Publish(models.ConnectionResult{Connected: false, Message: reason})
}

func (m *EventMultiplexer) publishDecodeFailure(what string, err error) {
	purchaseErr := models.AsPurchaseError(err, models.ErrorCodeParseFailed)
	if purchaseErr.Code != models.ErrorCodeParseFailed {
		purchaseErr = &models.PurchaseError{
			Code:         models.ErrorCodeParseFailed,
			Message:      fmt.Sprintf("failed to parse native %s payload", what),
			DebugMessage: err.Error(),
		}
	}
	if purchaseErr.Platform == "" {
		purchaseErr.Platform = m.platform
	}
	logging.Warnf("Dropping malformed %s payload: %v", what, err)
	m.PurchaseError.Publish(purchaseErr)
}

// ListenAll forwards every channel to fn as envelopes. Order is kept per
// channel, not across channels.
func (m *EventMultiplexer) ListenAll(fn func(Envelope)) (remove func()) {
	removers := []func(){
		m.PurchaseUpdated.Listen(func(p models.Purchase) { fn(Envelope{Channel: ChannelPurchaseUpdated, Data: p}) }),
		m.PurchaseError.Listen(func(e *models.PurchaseError) { fn(Envelope{Channel: ChannelPurchaseError, Data: e}) }),
		m.ConnectionState.Listen(func(c models.ConnectionResult) { fn(Envelope{Channel: ChannelConnectionState, Data: c}) }),
		m.PromotedProduct.Listen(func(id string) {
			fn(Envelope{Channel: ChannelPromotedProduct, Data: map[string]string{"productId": id}})
		}),
		m.UserChoiceBilling.Listen(func(d models.UserChoiceBillingDetails) {
			fn(Envelope{Channel: ChannelUserChoiceBilling, Data: d})
		}),
		m.DeveloperProvidedBilling.Listen(func(d models.DeveloperProvidedBillingDetails) {
			fn(Envelope{Channel: ChannelDeveloperProvidedBilling, Data: d})
		}),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, remove := range removers {
				remove()
			}
		})
	}
}

// AttachRelay forwards every event to relay. Attaching again replaces the
// previous relay.
func (m *EventMultiplexer) AttachRelay(relay EventRelay) {
	remove := m.ListenAll(func(envelope Envelope) {
		if err := relay.Relay(envelope); err != nil {
			logging.Errorf("Failed to relay %s event: %v", envelope.Channel, err)
		}
	})

	m.mu.Lock()
	previous := m.relayRemove
	m.relayRemove = remove
	m.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// Close closes every channel and its subscriptions
func (m *EventMultiplexer) Close() {
	m.mu.Lock()
	remove := m.relayRemove
	m.relayRemove = nil
	m.mu.Unlock()
	if remove != nil {
		remove()
	}

	m.PurchaseUpdated.close()
	m.PurchaseError.close()
	m.ConnectionState.close()
	m.PromotedProduct.close()
	m.UserChoiceBilling.close()
	m.DeveloperProvidedBilling.close()
}
