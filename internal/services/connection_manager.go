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

// connectTimeout bounds one shared native connection attempt
const connectTimeout = 30 * time.Second

// ConnectionManager owns the native session. It is the only writer of the
// connected flag and the billing program.
type ConnectionManager struct {
	store   platform.Store
	events  *EventMultiplexer
	metrics *Metrics

	group singleflight.Group
	opMu  sync.Mutex

	mu        sync.RWMutex
	connected bool
	program   models.BillingProgram
	onEnd     []func(reason string)
}

// NewConnectionManager wires the manager to the store's service-loss callback
func NewConnectionManager(store platform.Store, events *EventMultiplexer, metrics *Metrics) *ConnectionManager {
	m := &ConnectionManager{
		store:   store,
		events:  events,
		metrics: metrics,
		program: models.BillingProgramNone,
	}
	events.SetDisconnectHandler(m.handleServiceDisconnected)
	return m
}

// InitConnection opens the native session with the configured billing
// program. Concurrent calls share one attempt, which is detached from any
// single caller's cancellation; a caller whose ctx ends stops waiting
// without aborting the attempt for the others. When a session is already
// open it returns true without touching the native side.
func (m *ConnectionManager) InitConnection(ctx context.Context, config *models.ConnectionConfig) (bool, error) {
	program := config.Program()
	if config != nil && config.BillingProgram == "" && config.AlternativeBillingMode != "" {
		logging.Warnf("alternativeBillingModeAndroid is deprecated, use billingProgram %s", program)
	}

	if m.warnIfConnected(program) {
		return true, nil
	}

	attempt := m.group.DoChan("connect", func() (interface{}, error) {
		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()

		m.opMu.Lock()
		defer m.opMu.Unlock()

		if m.Connected() {
			return nil, nil
		}

		logging.Infof("Connecting to %s billing with program %s", m.store.Platform(), program)
		if err := m.store.Connect(connectCtx, program); err != nil {
			purchaseErr := models.AsPurchaseError(err, models.ErrorCodeServiceUnavailable)
			m.metrics.RecordConnection(purchaseErr)
			logging.Errorf("Billing connection failed: %v", purchaseErr)
			m.events.ConnectionState.Publish(models.ConnectionResult{Connected: false, Message: purchaseErr.Message})
			return nil, purchaseErr
		}

		m.mu.Lock()
		m.connected = true
		m.program = program
		m.mu.Unlock()

		m.metrics.RecordConnection(nil)
		logging.Infof("Billing connection established")
		m.events.ConnectionState.Publish(models.ConnectionResult{Connected: true})
		return nil, nil
	})

	var result singleflight.Result
	select {
	case result = <-attempt:
	case <-ctx.Done():
		return false, &models.PurchaseError{
			Code:     models.ErrorCodeServiceUnavailable,
			Message:  "stopped waiting for the billing connection: " + ctx.Err().Error(),
			Platform: m.store.Platform(),
		}
	}
	if result.Shared {
		logging.Debugf("InitConnection joined an in-flight attempt")
	}
	if result.Err != nil {
		return false, result.Err
	}

	m.warnIfConnected(program)
	return true, nil
}

// warnIfConnected reports whether a session is open and logs when it was
// opened for a different program than requested
func (m *ConnectionManager) warnIfConnected(program models.BillingProgram) bool {
	m.mu.RLock()
	connected, current := m.connected, m.program
	m.mu.RUnlock()

	if connected && current != program {
		logging.Warnf("Billing already connected with program %s; reconnect to switch to %s", current, program)
	}
	return connected
}

// EndConnection closes the native session; it is a no-op when disconnected
func (m *ConnectionManager) EndConnection(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.Connected() {
		return nil
	}

	if err := m.store.Disconnect(ctx); err != nil {
		purchaseErr := models.AsPurchaseError(err, models.ErrorCodeServiceUnavailable)
		logging.Errorf("Failed to end billing connection: %v", purchaseErr)
		return purchaseErr
	}

	m.mu.Lock()
	m.connected = false
	m.program = models.BillingProgramNone
	m.mu.Unlock()

	logging.Infof("Billing connection ended")
	m.sessionEnded("connection ended")
	m.events.ConnectionState.Publish(models.ConnectionResult{Connected: false, Message: "connection ended"})
	return nil
}

// OnSessionEnd registers fn to run whenever an open session ends, by
// EndConnection or by losing the service
func (m *ConnectionManager) OnSessionEnd(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

func (m *ConnectionManager) sessionEnded(reason string) {
	m.mu.RLock()
	hooks := append([]func(string){}, m.onEnd...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func (m *ConnectionManager) handleServiceDisconnected(reason string) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if reason == "" {
		reason = "billing service disconnected"
	}
	if wasConnected {
		logging.Warnf("Billing service disconnected: %s", reason)
		m.sessionEnded(reason)
	}
	m.events.ConnectionState.Publish(models.ConnectionResult{Connected: false, Message: reason})
}

// RequireConnected returns a not-initialized error when no session is open
func (m *ConnectionManager) RequireConnected() error {
	if m.Connected() {
		return nil
	}
	return &models.PurchaseError{
		Code:     models.ErrorCodeNotInitialized,
		Message:  "billing connection is not initialized; call InitConnection first",
		Platform: m.store.Platform(),
	}
}

func (m *ConnectionManager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Program returns the billing program of the open session, or none
func (m *ConnectionManager) Program() models.BillingProgram {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.program
}

// Config returns the configuration the open session was created with
func (m *ConnectionManager) Config() models.ConnectionConfig {
	return models.ConnectionConfig{BillingProgram: m.Program()}
}

func (m *ConnectionManager) Platform() models.Platform {
	return m.store.Platform()
}
