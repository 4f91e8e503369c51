// Package bridge runs the coordinator: the single task that owns the REST
// pipeline, the broker session lifecycle, the shadow snapshot, and the
// derived status record.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"mydolphin-bridge/internal/awsiot"
	"mydolphin-bridge/internal/restapi"
	"mydolphin-bridge/internal/shadow"
	"mydolphin-bridge/internal/status"
	"mydolphin-bridge/internal/store"
	"mydolphin-bridge/internal/vendorcrypto"
)

const (
	defaultTickInterval    = 5 * time.Second
	defaultRefreshInterval = time.Hour
	defaultFollowUpDelay   = time.Second

	messageBuffer = 64
	statusBuffer  = 16
)

// ErrInvalidCredentials is the terminal pipeline failure: retrying cannot
// help until the operator fixes the account.
var ErrInvalidCredentials = restapi.ErrInvalidCredentials

// Config carries everything the coordinator needs beyond its collaborators.
type Config struct {
	Username string
	Password string

	BaseURL     string
	IoTEndpoint string
	IoTRegion   string
	CACert      []byte

	InstanceID string

	ReconnectInterval time.Duration
	TokenAttempts     int
	TickInterval      time.Duration
	RefreshInterval   time.Duration
	FollowUpDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 60 * time.Second
	}
	if c.TokenAttempts == 0 {
		c.TokenAttempts = 3
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.FollowUpDelay == 0 {
		c.FollowUpDelay = defaultFollowUpDelay
	}
}

// iotSession is the slice of the broker session the coordinator drives.
type iotSession interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Ledger() map[uint64]awsiot.LedgerEntry
	Terminate()
}

type sessionFactory func(awsiot.Config) iotSession

// Coordinator owns all mutable bridge state. Inbound broker messages and
// session statuses arrive on channels and are folded in on the run loop, so
// no external locking discipline is needed.
type Coordinator struct {
	cfg   Config
	store *store.Store
	rest  *restapi.Client
	bus   *EventBus
	log   *zap.Logger

	newSession sessionFactory
	apiFilter  *status.Filter

	mu           sync.Mutex
	apiStatus    status.Connection
	awsStatus    status.Connection
	session      iotSession
	plan         shadow.TopicPlan
	deviceSerial string
	snap         *shadow.Snapshot
	dynamic      map[string]map[string]any
	activity     string
	derived      shadow.Derived
	details      restapi.RobotDetails
	haveDetails  bool
	lastRefresh  time.Time
	ready        bool
	announced    bool
}

func New(cfg Config, st *store.Store, bus *EventBus, log *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		rest:      restapi.NewClient(cfg.BaseURL, log),
		bus:       bus,
		log:       log.Named("bridge"),
		apiFilter: status.NewFilter(nil),
		apiStatus: status.NotConnected,
		awsStatus: status.NotConnected,
		snap:      shadow.NewSnapshot(),
		dynamic:   make(map[string]map[string]any),
	}
	c.newSession = func(sc awsiot.Config) iotSession { return awsiot.NewSession(sc) }
	return c
}

// Run drives connect cycles until the context is cancelled or the pipeline
// hits a terminal credential failure.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		err := c.cycle(ctx)
		if errors.Is(err, restapi.ErrInvalidCredentials) {
			c.log.Error("credentials rejected, giving up", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("cycle ended, waiting before reconnect",
			zap.Error(err), zap.Duration("interval", c.cfg.ReconnectInterval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// cycle is one full attempt: REST pipeline, broker session, then the event
// loop until the session dies or the context ends.
func (c *Coordinator) cycle(ctx context.Context) error {
	creds, err := c.pipeline(ctx)
	if err != nil {
		return err
	}

	messages := make(chan awsiot.Message, messageBuffer)
	statuses := make(chan status.Connection, statusBuffer)

	sess := c.newSession(awsiot.Config{
		Endpoint:      c.cfg.IoTEndpoint,
		Region:        c.cfg.IoTRegion,
		ClientID:      c.cfg.InstanceID,
		Credentials:   creds,
		Subscriptions: c.topicPlan().Subscriptions(),
		CACert:        c.cfg.CACert,
		Messages:      messages,
		Statuses:      statuses,
		Logger:        c.log,
	})
	c.setSession(sess)
	defer func() {
		c.setSession(nil)
		sess.Terminate()
		// Terminate's final Disconnected lands on the statuses channel
		// after the loop below has exited; fold it in so observers see
		// the terminal status.
		c.drainStatuses(statuses)
	}()

	if err := sess.Connect(ctx); err != nil {
		c.drainStatuses(statuses)
		return fmt.Errorf("broker connect: %w", err)
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-messages:
			c.handleMessage(msg)
		case st := <-statuses:
			c.setAWSStatus(st)
			switch st {
			case status.Connected:
				c.requestShadow()
				c.markRefreshed()
			case status.Failed:
				return errors.New("broker session lost")
			}
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) drainStatuses(statuses <-chan status.Connection) {
	for {
		select {
		case st := <-statuses:
			c.setAWSStatus(st)
		default:
			return
		}
	}
}

// pipeline runs the REST phase: login, motor-unit serial resolution, token
// exchange, enrichment. Status transitions are emitted as they happen.
func (c *Coordinator) pipeline(ctx context.Context) (awsiot.Credentials, error) {
	c.setAPIStatus(status.Connecting)

	login, err := c.rest.Login(ctx, c.cfg.Username, c.cfg.Password)
	if err != nil {
		c.setAPIStatus(pipelineFailureStatus(err))
		return awsiot.Credentials{}, fmt.Errorf("login: %w", err)
	}

	mus, err := c.rest.MotorUnitSerial(ctx, login.Serial)
	if err != nil {
		c.setAPIStatus(pipelineFailureStatus(err))
		return awsiot.Credentials{}, fmt.Errorf("resolve motor unit serial: %w", err)
	}
	c.setIdentity(login.Serial, shadow.NewTopicPlan(mus))
	c.setAPIStatus(status.TemporaryConnected)

	creds, err := c.exchangeToken(ctx, mus)
	if err != nil {
		c.setAPIStatus(pipelineFailureStatus(err))
		return awsiot.Credentials{}, err
	}

	c.refreshDetails(ctx, mus)
	c.setAPIStatus(status.Connected)
	return creds, nil
}

func pipelineFailureStatus(err error) status.Connection {
	switch {
	case errors.Is(err, restapi.ErrInvalidCredentials):
		return status.InvalidCredentials
	case errors.Is(err, restapi.ErrEndpointNotFound):
		return status.NotFound
	default:
		return status.Failed
	}
}

// exchangeToken trades the encrypted serial for broker credentials, reusing
// the cached encryption when present. A vendor rejection clears the cache so
// the next attempt encrypts fresh.
func (c *Coordinator) exchangeToken(ctx context.Context, mus string) (awsiot.Credentials, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.TokenAttempts; attempt++ {
		encrypted := c.store.EncryptedToken()
		if encrypted == "" {
			var err error
			encrypted, err = vendorcrypto.EncryptSerial(c.cfg.Username, mus)
			if err != nil {
				return awsiot.Credentials{}, fmt.Errorf("encrypt serial: %w", err)
			}
		}

		iot, err := c.rest.ExchangeToken(ctx, encrypted)
		if errors.Is(err, restapi.ErrTokenRejected) {
			c.log.Warn("token exchange rejected, clearing cache", zap.Int("attempt", attempt))
			if cerr := c.store.ClearEncryptedToken(); cerr != nil {
				c.log.Warn("clear token cache", zap.Error(cerr))
			}
			lastErr = err
			continue
		}
		if err != nil {
			return awsiot.Credentials{}, fmt.Errorf("token exchange: %w", err)
		}

		if encrypted != c.store.EncryptedToken() {
			if serr := c.store.SetEncryptedToken(encrypted); serr != nil {
				c.log.Warn("persist token cache", zap.Error(serr))
			}
		}
		return awsiot.Credentials{
			AccessKeyID:     iot.AccessKeyID,
			SecretAccessKey: iot.SecretAccessKey,
			SessionToken:    iot.SessionToken,
		}, nil
	}
	return awsiot.Credentials{}, fmt.Errorf("token exchange exhausted %d attempts: %w", c.cfg.TokenAttempts, lastErr)
}

// refreshDetails fetches the enrichment record. Failure is tolerated: the
// record only improves presentation and feature detection.
func (c *Coordinator) refreshDetails(ctx context.Context, mus string) {
	details, err := c.rest.RobotDetails(ctx, mus)
	if err != nil {
		c.log.Warn("robot details unavailable", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.details = details
	first := !c.announced
	c.haveDetails = true
	c.announced = true
	c.mu.Unlock()

	if first {
		c.bus.Emit(Event{Signal: EventDeviceNew, InstanceID: c.cfg.InstanceID, Payload: details})
	}
}

// handleMessage folds one inbound broker message into local state.
func (c *Coordinator) handleMessage(msg awsiot.Message) {
	plan := c.topicPlan()
	switch {
	case plan.IsRejected(msg.Topic):
		c.log.Warn("shadow request rejected",
			zap.String("topic", msg.Topic), zap.ByteString("payload", msg.Payload))

	case plan.IsDynamic(msg.Topic):
		c.handleDynamic(msg.Payload)

	case plan.IsAccepted(msg.Topic):
		c.handleAccepted(plan, msg)

	default:
		c.log.Debug("unhandled topic", zap.String("topic", msg.Topic))
	}
}

func (c *Coordinator) handleDynamic(payload []byte) {
	dm, err := shadow.DecodeDynamic(payload)
	if err != nil {
		c.log.Warn("bad dynamic message", zap.Error(err))
		return
	}
	c.mu.Lock()
	changed := !reflect.DeepEqual(c.dynamic[dm.Type], dm.Content)
	c.dynamic[dm.Type] = dm.Content
	if dm.Type == shadow.DynamicRequestType {
		if rc, _ := dm.Content["rcMode"].(string); rc == "exit" {
			c.activity = ""
		} else if dir, _ := dm.Content["direction"].(string); dir != "" {
			c.activity = dir
		}
	}
	c.mu.Unlock()

	if changed {
		c.emitDataChanged()
	}
}

func (c *Coordinator) handleAccepted(plan shadow.TopicPlan, msg awsiot.Message) {
	env, err := shadow.DecodeAccepted(msg.Payload)
	if err != nil {
		c.log.Warn("bad accepted envelope", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}

	c.mu.Lock()
	before := c.snap.Categories()
	c.snap.Apply(env, time.Now())
	after := c.snap.Categories()
	derived := shadow.Calculate(c.snap)
	changed := derived != c.derived || !reflect.DeepEqual(before, after)
	c.derived = derived
	isM700 := c.details.IsM700Family()
	deviceSerial := c.deviceSerial
	c.mu.Unlock()

	if changed {
		c.emitDataChanged()
	}

	if plan.IsGetAccepted(msg.Topic) && isM700 {
		err := c.publishDynamic("temperature", map[string]any{
			"serialNumber":    deviceSerial,
			"motorUnitSerial": plan.MotorUnitSerial(),
		})
		if err != nil {
			c.log.Debug("temperature request skipped", zap.Error(err))
		}
	}

	if plan.IsUpdateAccepted(msg.Topic) {
		if mode, ok := env.DesiredCleaningMode(); ok {
			c.scheduleCycleTime(mode)
		}
	}
}

// scheduleCycleTime publishes the cycle time matching a freshly accepted
// cleaning mode, after a short grace so the vendor app sees the same order
// the robot does.
func (c *Coordinator) scheduleCycleTime(mode string) {
	minutes, ok := shadow.CycleTimeMinutes[mode]
	if !ok {
		return
	}
	time.AfterFunc(c.cfg.FollowUpDelay, func() {
		err := c.publishDesired(map[string]any{
			"cycleInfo": map[string]any{"cycleTime": minutes},
		})
		if err != nil {
			c.log.Debug("cycle time follow-up skipped", zap.String("mode", mode), zap.Error(err))
		}
	})
}

func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	due := c.ready && time.Since(c.lastRefresh) >= c.cfg.RefreshInterval
	mus := c.plan.MotorUnitSerial()
	c.mu.Unlock()
	if !due {
		return
	}
	c.markRefreshed()
	c.requestShadow()
	c.refreshDetails(ctx, mus)
}

func (c *Coordinator) markRefreshed() {
	c.mu.Lock()
	c.lastRefresh = time.Now()
	c.mu.Unlock()
}

// requestShadow asks the broker for the full reported state.
func (c *Coordinator) requestShadow() {
	sess := c.currentSession()
	if sess == nil {
		return
	}
	if err := sess.Publish(c.topicPlan().Get(), []byte("{}")); err != nil {
		c.log.Warn("shadow get failed", zap.Error(err))
	}
}

func (c *Coordinator) setSession(sess iotSession) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

func (c *Coordinator) currentSession() iotSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) setIdentity(deviceSerial string, plan shadow.TopicPlan) {
	c.mu.Lock()
	c.deviceSerial = deviceSerial
	c.plan = plan
	c.mu.Unlock()
}

func (c *Coordinator) topicPlan() shadow.TopicPlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

func (c *Coordinator) setAPIStatus(next status.Connection) {
	if !c.apiFilter.Observe(next) {
		return
	}
	c.mu.Lock()
	c.apiStatus = next
	c.mu.Unlock()
	c.bus.Emit(Event{Signal: EventAPIStatus, InstanceID: c.cfg.InstanceID, Payload: next})
	c.updateReadiness()
}

func (c *Coordinator) setAWSStatus(next status.Connection) {
	c.mu.Lock()
	c.awsStatus = next
	c.mu.Unlock()
	c.bus.Emit(Event{Signal: EventAWSStatus, InstanceID: c.cfg.InstanceID, Payload: next})
	c.updateReadiness()
}

// updateReadiness emits READY exactly when both sides report Connected and
// the previous combination did not.
func (c *Coordinator) updateReadiness() {
	c.mu.Lock()
	ready := c.apiStatus == status.Connected && c.awsStatus == status.Connected
	announce := ready && !c.ready
	c.ready = ready
	c.mu.Unlock()
	if announce {
		c.bus.Emit(Event{Signal: EventReady, InstanceID: c.cfg.InstanceID})
	}
}

func (c *Coordinator) emitDataChanged() {
	c.bus.Emit(Event{Signal: EventDataChanged, InstanceID: c.cfg.InstanceID})
}

// APIStatus returns the last REST pipeline status.
func (c *Coordinator) APIStatus() status.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiStatus
}

// AWSStatus returns the last broker session status.
func (c *Coordinator) AWSStatus() status.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awsStatus
}

// Ready reports whether both sides are connected.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Snapshot returns a deep copy of the current shadow view.
func (c *Coordinator) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Categories()
}

// ShadowVersion returns the last merged shadow document version.
func (c *Coordinator) ShadowVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Version()
}

// Dynamic returns a copy of the dynamic-channel buckets.
func (c *Coordinator) Dynamic() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]any, len(c.dynamic))
	for k, v := range c.dynamic {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		out[k] = inner
	}
	return out
}

// Activity returns the current joystick direction, or "".
func (c *Coordinator) Activity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// Derived returns the last fused status record.
func (c *Coordinator) Derived() shadow.Derived {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.derived
}

// Details returns the enrichment record and whether one has been fetched.
func (c *Coordinator) Details() (restapi.RobotDetails, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details, c.haveDetails
}

// Ledger returns the in-flight publish ledger, or nil without a session.
func (c *Coordinator) Ledger() map[uint64]awsiot.LedgerEntry {
	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	return sess.Ledger()
}
