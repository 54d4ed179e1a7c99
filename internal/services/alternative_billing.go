package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/platform"
	"iap-bridge/pkg/logging"

	"github.com/google/uuid"
)

// DefaultReportingWindow is how long an external transaction token stays
// claimable when nothing else is configured
const DefaultReportingWindow = 24 * time.Hour

// sessionCleanupInterval is how often abandoned external offer sessions
// are swept
const sessionCleanupInterval = 10 * time.Minute

// Flow names used in metrics
const (
	flowExternalPurchase = "ios-external-purchase"
	flowExternalOffer    = "android-external-offer"
)

// OfferStep is the position of an external offer session in its sequence
type OfferStep string

const (
	OfferStepStarted    OfferStep = "started"
	OfferStepAvailable  OfferStep = "available"
	OfferStepDisclosed  OfferStep = "disclosed"
	OfferStepReported   OfferStep = "reported"
	OfferStepTerminated OfferStep = "terminated"
)

// AlternativeBillingOptions configures token storage and delivery
type AlternativeBillingOptions struct {
	Vault           TokenVault
	Audit           TokenAudit
	Notifier        *WebhookNotifier
	WebhookURL      string
	WebhookSecret   string
	ReportingWindow time.Duration
}

// AlternativeBillingCoordinator runs the ordered step sequences of the
// alternative billing programs
type AlternativeBillingCoordinator struct {
	store   platform.Store
	conn    *ConnectionManager
	metrics *Metrics
	options AlternativeBillingOptions
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*ExternalOfferSession

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func NewAlternativeBillingCoordinator(store platform.Store, conn *ConnectionManager, metrics *Metrics, options AlternativeBillingOptions) *AlternativeBillingCoordinator {
	if options.Vault == nil {
		options.Vault = NewMemoryTokenVault()
	}
	if options.ReportingWindow <= 0 {
		options.ReportingWindow = DefaultReportingWindow
	}
	c := &AlternativeBillingCoordinator{
		store:       store,
		conn:        conn,
		metrics:     metrics,
		options:     options,
		now:         time.Now,
		sessions:    make(map[string]*ExternalOfferSession),
		stopCleanup: make(chan struct{}),
	}
	// a session cannot outlive the native connection it was started on
	conn.OnSessionEnd(c.DropSessions)

	go c.startCleanupRoutine()

	return c
}

func (c *AlternativeBillingCoordinator) startCleanupRoutine() {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.pruneSessions()
		case <-c.stopCleanup:
			return
		}
	}
}

// pruneSessions ends sessions older than the reporting window
func (c *AlternativeBillingCoordinator) pruneSessions() int {
	now := c.now()
	c.mu.Lock()
	var expired []*ExternalOfferSession
	for id, session := range c.sessions {
		if session.expired(now) {
			expired = append(expired, session)
			delete(c.sessions, id)
		}
	}
	remaining := len(c.sessions)
	c.mu.Unlock()

	for _, session := range expired {
		session.end("expired")
	}
	if len(expired) > 0 {
		logging.Infof("External offer cleanup: removed %d abandoned sessions, remaining: %d", len(expired), remaining)
	}
	return len(expired)
}

// DropSessions ends every open external offer session
func (c *AlternativeBillingCoordinator) DropSessions(reason string) {
	c.mu.Lock()
	open := c.sessions
	c.sessions = make(map[string]*ExternalOfferSession)
	c.mu.Unlock()

	for _, session := range open {
		session.end("connection-ended")
	}
	if len(open) > 0 {
		logging.Infof("Dropped %d open external offer sessions: %s", len(open), reason)
	}
}

// OpenSessions returns the number of sessions still in progress
func (c *AlternativeBillingCoordinator) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Stop ends the cleanup goroutines of the coordinator and its vault
func (c *AlternativeBillingCoordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	if stopper, ok := c.options.Vault.(interface{ Stop() }); ok {
		stopper.Stop()
	}
}

// RunExternalPurchaseFlow shows the iOS external purchase notice and, when
// the user continues, the external purchase link. A dismissed notice ends
// the flow without presenting the link.
func (c *AlternativeBillingCoordinator) RunExternalPurchaseFlow(ctx context.Context, url string) (models.ExternalPurchaseLinkResult, error) {
	linker, ok := c.store.(platform.ExternalPurchaseLinker)
	if !ok {
		err := models.NewPurchaseError(models.ErrorCodeFeatureNotSupported, "external purchase links are only available on iOS")
		return models.ExternalPurchaseLinkResult{Error: err.Message}, err
	}
	if url == "" {
		err := models.NewPurchaseError(models.ErrorCodeDeveloperError, "external purchase url is required")
		return models.ExternalPurchaseLinkResult{Error: err.Message}, err
	}
	if err := c.conn.RequireConnected(); err != nil {
		return models.ExternalPurchaseLinkResult{Error: err.Error()}, err
	}

	canPresent, err := linker.CanPresentExternalPurchaseNotice(ctx)
	if err != nil {
		c.metrics.RecordFlow(flowExternalPurchase, "error")
		return models.ExternalPurchaseLinkResult{Error: err.Error()}, err
	}
	if !canPresent {
		c.metrics.RecordFlow(flowExternalPurchase, "unavailable")
		err := models.NewPurchaseError(models.ErrorCodeFeatureNotSupported, "external purchase notice is not available for this storefront")
		return models.ExternalPurchaseLinkResult{Error: err.Message}, err
	}

	notice, err := linker.PresentExternalPurchaseNoticeSheet(ctx)
	if err != nil {
		c.metrics.RecordFlow(flowExternalPurchase, "error")
		return models.ExternalPurchaseLinkResult{Error: err.Error()}, err
	}
	if notice.Action == models.ExternalPurchaseNoticeDismissed {
		c.metrics.RecordFlow(flowExternalPurchase, "dismissed")
		logging.Infof("External purchase notice dismissed")
		return models.ExternalPurchaseLinkResult{Dismissed: true}, nil
	}

	if err := linker.PresentExternalPurchaseLink(ctx, url); err != nil {
		c.metrics.RecordFlow(flowExternalPurchase, "error")
		return models.ExternalPurchaseLinkResult{Error: err.Error()}, err
	}
	c.metrics.RecordFlow(flowExternalPurchase, "presented")
	return models.ExternalPurchaseLinkResult{Success: true}, nil
}

// StartExternalOffer opens an external offer session. The session must be
// driven in order: CheckAvailability, ShowDisclosure, CreateReportingToken.
func (c *AlternativeBillingCoordinator) StartExternalOffer(ctx context.Context) (*ExternalOfferSession, error) {
	host, ok := c.store.(platform.BillingProgramHost)
	if !ok {
		return nil, models.NewPurchaseError(models.ErrorCodeFeatureNotSupported, "external offers are only available on Android")
	}
	if err := c.conn.RequireConnected(); err != nil {
		return nil, err
	}
	if program := c.conn.Program(); program != models.BillingProgramExternalOffer {
		return nil, models.NewPurchaseError(models.ErrorCodeDeveloperError,
			"external offers need the %s program, connected with %s; reconnect to change it",
			models.BillingProgramExternalOffer, program)
	}

	session := &ExternalOfferSession{
		ID:          uuid.NewString(),
		coordinator: c,
		host:        host,
		step:        OfferStepStarted,
		startedAt:   c.now(),
	}

	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	c.metrics.RecordFlow(flowExternalOffer, "started")
	return session, nil
}

// Session returns an open external offer session
func (c *AlternativeBillingCoordinator) Session(id string) (*ExternalOfferSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[id]
	if !ok || session.expired(c.now()) {
		return nil, false
	}
	return session, true
}

func (c *AlternativeBillingCoordinator) closeSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// RunExternalOfferFlow drives a whole session. processPayment runs after
// the user accepted the disclosure and before the token is created.
func (c *AlternativeBillingCoordinator) RunExternalOfferFlow(ctx context.Context, processPayment func(ctx context.Context) error) (*models.ReportingDetails, error) {
	session, err := c.StartExternalOffer(ctx)
	if err != nil {
		return nil, err
	}

	available, err := session.CheckAvailability(ctx)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, models.NewPurchaseError(models.ErrorCodeBillingUnavailable, "external offers are not available for this user")
	}

	accepted, err := session.ShowDisclosure(ctx)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, models.NewPurchaseError(models.ErrorCodeUserCancelled, "user declined the external offer")
	}

	if processPayment != nil {
		if err := processPayment(ctx); err != nil {
			session.terminate("payment-failed")
			return nil, models.AsPurchaseError(err, models.ErrorCodeUnknown)
		}
	}
	return session.CreateReportingToken(ctx)
}

// ClaimReportingToken hands a flow's token to the backend exactly once
func (c *AlternativeBillingCoordinator) ClaimReportingToken(ctx context.Context, flowID string) (*models.ReportingDetails, error) {
	details, err := c.options.Vault.Claim(ctx, flowID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, models.NewPurchaseError(models.ErrorCodeNotOwned, "no claimable reporting token for flow %s", flowID)
		}
		return nil, models.AsPurchaseError(err, models.ErrorCodeServiceUnavailable)
	}

	if c.options.Audit != nil {
		if err := c.options.Audit.RecordClaimed(ctx, flowID, c.now()); err != nil {
			logging.Errorf("Failed to audit token claim for flow %s: %v", flowID, err)
		}
	}
	return details, nil
}

func (c *AlternativeBillingCoordinator) storeToken(ctx context.Context, details models.ReportingDetails) error {
	if err := c.options.Vault.Put(ctx, details); err != nil {
		return models.AsPurchaseError(err, models.ErrorCodeServiceUnavailable)
	}
	if c.options.Audit != nil {
		if err := c.options.Audit.RecordIssued(ctx, details); err != nil {
			logging.Errorf("Failed to audit reporting token for flow %s: %v", details.FlowID, err)
		}
	}
	if c.options.Notifier != nil && c.options.WebhookURL != "" {
		go func() {
			if err := c.options.Notifier.NotifyReportingToken(c.options.WebhookURL, c.options.WebhookSecret, details); err != nil {
				logging.Errorf("Reporting token for flow %s was not delivered: %v", details.FlowID, err)
			}
		}()
	}
	return nil
}

// ExternalOfferSession is one pass through the external offer sequence
type ExternalOfferSession struct {
	ID string

	coordinator *AlternativeBillingCoordinator
	host        platform.BillingProgramHost

	startedAt time.Time

	mu      sync.Mutex
	step    OfferStep
	details *models.ReportingDetails
}

func (s *ExternalOfferSession) expired(now time.Time) bool {
	return now.Sub(s.startedAt) > s.coordinator.options.ReportingWindow
}

func (s *ExternalOfferSession) Step() OfferStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Details returns the issued token, or nil before CreateReportingToken succeeded
func (s *ExternalOfferSession) Details() *models.ReportingDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details
}

// CheckAvailability asks Play whether external offers can be shown. An
// unavailable program terminates the session.
func (s *ExternalOfferSession) CheckAvailability(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(OfferStepStarted, "check availability"); err != nil {
		return false, err
	}

	available, err := s.host.IsBillingProgramAvailable(ctx, models.BillingProgramExternalOffer)
	if err != nil {
		s.terminateLocked("error")
		return false, err
	}
	if !available {
		s.terminateLocked("unavailable")
		return false, nil
	}
	s.step = OfferStepAvailable
	return true, nil
}

// ShowDisclosure shows the external offer information dialog. A declined
// dialog terminates the session.
func (s *ExternalOfferSession) ShowDisclosure(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(OfferStepAvailable, "show the disclosure"); err != nil {
		return false, err
	}

	accepted, err := s.host.ShowExternalOfferInformationDialog(ctx)
	if err != nil {
		s.terminateLocked("error")
		return false, err
	}
	if !accepted {
		s.terminateLocked("declined")
		return false, nil
	}
	s.step = OfferStepDisclosed
	s.coordinator.metrics.RecordFlow(flowExternalOffer, "disclosed")
	return true, nil
}

// CreateReportingToken creates the external transaction token once the
// user accepted the disclosure. A session issues at most one token; a
// native failure leaves the session disclosed so the call can be retried.
func (s *ExternalOfferSession) CreateReportingToken(ctx context.Context) (*models.ReportingDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == OfferStepReported {
		return nil, models.NewPurchaseError(models.ErrorCodeDeveloperError, "reporting token for flow %s was already created", s.ID)
	}
	if err := s.expect(OfferStepDisclosed, "create a reporting token"); err != nil {
		return nil, err
	}

	token, err := s.host.CreateReportingToken(ctx, models.BillingProgramExternalOffer)
	if err != nil {
		s.coordinator.metrics.RecordFlow(flowExternalOffer, "token-error")
		return nil, err
	}

	now := s.coordinator.now()
	details := models.ReportingDetails{
		FlowID:                   s.ID,
		ExternalTransactionToken: token,
		Program:                  models.BillingProgramExternalOffer,
		CreatedAt:                now,
		ExpiresAt:                now.Add(s.coordinator.options.ReportingWindow),
	}
	if err := s.coordinator.storeToken(ctx, details); err != nil {
		return nil, err
	}

	s.step = OfferStepReported
	s.details = &details
	s.coordinator.closeSession(s.ID)
	s.coordinator.metrics.RecordFlow(flowExternalOffer, "reported")
	logging.Infof("Reporting token created for external offer flow %s", s.ID)
	return &details, nil
}

func (s *ExternalOfferSession) expect(step OfferStep, action string) error {
	if s.step == step {
		return nil
	}
	return models.NewPurchaseError(models.ErrorCodeDeveloperError,
		"cannot %s in external offer flow %s: step is %s, expected %s", action, s.ID, s.step, step)
}

func (s *ExternalOfferSession) terminate(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(outcome)
}

// end terminates a session that has not finished on its own
func (s *ExternalOfferSession) end(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == OfferStepReported || s.step == OfferStepTerminated {
		return
	}
	s.terminateLocked(outcome)
}

func (s *ExternalOfferSession) terminateLocked(outcome string) {
	s.step = OfferStepTerminated
	s.coordinator.closeSession(s.ID)
	s.coordinator.metrics.RecordFlow(flowExternalOffer, outcome)
	logging.Infof("External offer flow %s ended: %s", s.ID, outcome)
}
