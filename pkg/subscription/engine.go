// Package subscription implements the subscription engine (C11):
// lifecycle, indexing by id/user/connection, and change routing. It
// holds only non-owning references to connections (their string IDs)
// and delegates outbound delivery to an injected Dispatcher so this
// package never depends on a specific transport or on pkg/dispatch's
// concrete batching policy.
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/filter"
	"github.com/cuemby/docstore/pkg/query"
	"github.com/cuemby/docstore/pkg/types"
)

// Priority mirrors the notification priority the dispatcher (C12) acts
// on: high-priority notifications bypass batching.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is the unit of work handed to a Dispatcher.
type Notification struct {
	SubscriptionID string
	Change         *types.ChangeRecord
	Data           map[string]interface{}
	Priority       Priority
}

// Dispatcher is the C12 capability this engine delivers filtered
// changes through. Implementations own batching, throttling and retry.
type Dispatcher interface {
	Enqueue(connectionID string, n Notification) error
}

// UserResolver looks up the attribute bag a user filter (types.FilterUser)
// evaluates against. A nil resolver means user filters never match.
type UserResolver interface {
	Resolve(userID string) map[string]interface{}
}

// ConnectionChecker reports whether a connection the host process owns
// is still alive. Used only by the maintenance sweep to drop orphaned
// subscriptions; a nil checker disables orphan detection.
type ConnectionChecker interface {
	IsAlive(connectionID string) bool
}

// InitialDataProvider synthesizes the snapshot sent when a subscription
// is created with include_initial_data set. A nil provider means
// initial-data requests are silently skipped.
type InitialDataProvider interface {
	InitialData(q *types.Query) (map[string]interface{}, error)
}

// AuditLogger records lifecycle events for operational visibility
// (spec §4.5: subscription_created / subscription_creation_failed).
type AuditLogger interface {
	Log(event string, fields map[string]interface{})
}

// Config bounds and paces the engine.
type Config struct {
	MaxSubscriptionsPerUser int
	MaxSubscriptionsTotal   int
	// PublishBatchSize slices PublishChanges input (notifications.batch_size).
	PublishBatchSize int
	// MaintenanceInterval paces the expired/orphaned sweep; defaults to
	// 60s when zero (spec §4.5: "a maintenance tick every 60s").
	MaintenanceInterval time.Duration
	// IdleTimeout, when positive, expires a subscription whose
	// last_activity has not advanced within this window. Zero disables
	// idle expiry.
	IdleTimeout time.Duration
}

// Engine is the subscription engine (C11).
type Engine struct {
	cfg    Config
	limits query.Limits

	filt       *filter.Filter
	auth       filter.Authorization
	users      UserResolver
	dispatcher Dispatcher
	conns      ConnectionChecker
	initial    InitialDataProvider
	audit      AuditLogger
	log        zerolog.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	byID   map[string]*types.Subscription
	byUser map[string]map[string]struct{}
	byConn map[string]map[string]struct{}

	errorCount int64
}

// Deps bundles the engine's injected collaborators. Every field except
// Log may be left nil: Auth nil means subscribe-time authorization is
// skipped, Filter nil means changes are still matched against each
// subscription's scope and filters but no permission check runs,
// Dispatcher nil means
// notifications are evaluated but never delivered (useful for dry runs
// and tests), and so on.
type Deps struct {
	Filter     *filter.Filter
	Auth       filter.Authorization
	Users      UserResolver
	Dispatcher Dispatcher
	Conns      ConnectionChecker
	Initial    InitialDataProvider
	Audit      AuditLogger
	Log        zerolog.Logger
}

// New constructs an Engine. Call Start before Subscribe will accept work.
func New(cfg Config, limits query.Limits, deps Deps) *Engine {
	filt := deps.Filter
	if filt == nil {
		filt = filter.New(nil, nil, nil)
	}
	return &Engine{
		cfg:        cfg,
		limits:     limits,
		filt:       filt,
		auth:       deps.Auth,
		users:      deps.Users,
		dispatcher: deps.Dispatcher,
		conns:      deps.Conns,
		initial:    deps.Initial,
		audit:      deps.Audit,
		log:        deps.Log,
		byID:       make(map[string]*types.Subscription),
		byUser:     make(map[string]map[string]struct{}),
		byConn:     make(map[string]map[string]struct{}),
	}
}

// Start marks the engine running and launches the maintenance loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	interval := e.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go e.maintenanceLoop(interval, e.stopCh)
}

// Stop halts the maintenance loop. Existing subscriptions are left
// indexed; Subscribe begins rejecting new work immediately.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Subscribe validates and registers a new subscription (spec §4.5 C11).
func (e *Engine) Subscribe(userID string, raw types.Query, connectionID string) (*types.Subscription, error) {
	start := time.Now()
	if !e.isRunning() {
		err := dberr.New(dberr.KindEngineNotRunning, "subscription.Subscribe", "")
		e.auditFailure(userID, err)
		return nil, err
	}

	parsed, err := query.Parse(raw, e.limits)
	if err != nil {
		e.auditFailure(userID, err)
		return nil, err
	}

	if e.auth != nil {
		allowed, err := e.auth.Authorize(filter.AuthRequest{
			Type:       parsed.ResourceType,
			Database:   parsed.Database,
			Collection: parsed.Collection,
			DocumentID: parsed.DocumentID,
			Action:     "subscribe",
		})
		if err != nil {
			e.auditFailure(userID, err)
			return nil, err
		}
		if !allowed {
			err := dberr.New(dberr.KindAuthorizationDenied, "subscription.Subscribe", userID)
			e.auditFailure(userID, err)
			return nil, err
		}
	}

	now := time.Now()
	sub := &types.Subscription{
		ID:           uuid.NewString(),
		UserID:       userID,
		Query:        parsed,
		ConnectionID: connectionID,
		Status:       types.SubscriptionActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	e.mu.Lock()
	if e.cfg.MaxSubscriptionsTotal > 0 && len(e.byID) >= e.cfg.MaxSubscriptionsTotal {
		e.mu.Unlock()
		err := dberr.New(dberr.KindResourceExhausted, "subscription.Subscribe", "max_subscriptions_total")
		e.auditFailure(userID, err)
		return nil, err
	}
	if e.cfg.MaxSubscriptionsPerUser > 0 && len(e.byUser[userID]) >= e.cfg.MaxSubscriptionsPerUser {
		e.mu.Unlock()
		err := dberr.New(dberr.KindResourceExhausted, "subscription.Subscribe", "max_subscriptions_per_user")
		e.auditFailure(userID, err)
		return nil, err
	}
	e.index(sub)
	e.mu.Unlock()

	if parsed.IncludeInitialData {
		e.sendInitialData(sub)
	}

	e.auditSuccess("subscription_created", sub, time.Since(start))
	return sub, nil
}

func (e *Engine) index(sub *types.Subscription) {
	e.byID[sub.ID] = sub
	if e.byUser[sub.UserID] == nil {
		e.byUser[sub.UserID] = make(map[string]struct{})
	}
	e.byUser[sub.UserID][sub.ID] = struct{}{}
	if e.byConn[sub.ConnectionID] == nil {
		e.byConn[sub.ConnectionID] = make(map[string]struct{})
	}
	e.byConn[sub.ConnectionID][sub.ID] = struct{}{}
}

func (e *Engine) unindex(sub *types.Subscription) {
	delete(e.byID, sub.ID)
	if m := e.byUser[sub.UserID]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(e.byUser, sub.UserID)
		}
	}
	if m := e.byConn[sub.ConnectionID]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(e.byConn, sub.ConnectionID)
		}
	}
}

func (e *Engine) sendInitialData(sub *types.Subscription) {
	if e.initial == nil || e.dispatcher == nil {
		return
	}
	data, err := e.initial.InitialData(sub.Query)
	if err != nil {
		e.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("initial data synthesis failed")
		return
	}
	n := Notification{SubscriptionID: sub.ID, Data: data, Priority: PriorityNormal}
	if err := e.dispatcher.Enqueue(sub.ConnectionID, n); err != nil {
		e.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("initial data dispatch failed")
	}
}

// Get returns the subscription for id, if indexed.
func (e *Engine) Get(id string) (*types.Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.byID[id]
	return sub, ok
}

// Unsubscribe closes and de-indexes a subscription.
func (e *Engine) Unsubscribe(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.byID[id]
	if !ok {
		return dberr.New(dberr.KindNotFound, "subscription.Unsubscribe", id)
	}
	sub.Status = types.SubscriptionClosed
	e.unindex(sub)
	return nil
}

// Pause toggles a subscription to paused; paused subscriptions are
// skipped by PublishChange.
func (e *Engine) Pause(id string) error { return e.setStatus(id, types.SubscriptionPaused) }

// Resume toggles a paused subscription back to active.
func (e *Engine) Resume(id string) error { return e.setStatus(id, types.SubscriptionActive) }

func (e *Engine) setStatus(id string, status types.SubscriptionStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.byID[id]
	if !ok {
		return dberr.New(dberr.KindNotFound, "subscription.setStatus", id)
	}
	sub.Status = status
	sub.LastActivity = time.Now()
	return nil
}

// UpdateSubscription re-parses and re-authorizes raw, then replaces the
// subscription's query in place (spec §4.5: "update_subscription
// re-parses, re-authorizes, and replaces the query").
func (e *Engine) UpdateSubscription(id string, raw types.Query) error {
	e.mu.RLock()
	sub, ok := e.byID[id]
	e.mu.RUnlock()
	if !ok {
		return dberr.New(dberr.KindNotFound, "subscription.UpdateSubscription", id)
	}

	parsed, err := query.Parse(raw, e.limits)
	if err != nil {
		return err
	}
	if e.auth != nil {
		allowed, err := e.auth.Authorize(filter.AuthRequest{
			Type:       parsed.ResourceType,
			Database:   parsed.Database,
			Collection: parsed.Collection,
			DocumentID: parsed.DocumentID,
			Action:     "subscribe",
		})
		if err != nil {
			return err
		}
		if !allowed {
			return dberr.New(dberr.KindAuthorizationDenied, "subscription.UpdateSubscription", sub.UserID)
		}
	}

	e.mu.Lock()
	sub.Query = parsed
	sub.LastActivity = time.Now()
	e.mu.Unlock()
	return nil
}

// HandleConnectionClose unsubscribes every subscription bound to
// connectionID, tolerating per-subscription errors individually.
func (e *Engine) HandleConnectionClose(connectionID string) error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.byConn[connectionID]))
	for id := range e.byConn[connectionID] {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := e.Unsubscribe(id); err != nil {
			atomic.AddInt64(&e.errorCount, 1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PublishChange routes change to every matching active subscription.
// It never returns an error to the caller: per-subscription failures
// are logged and counted, never propagated (spec §4.5: "publish_change
// never throws to the caller").
func (e *Engine) PublishChange(change *types.ChangeRecord) {
	e.mu.RLock()
	candidates := make([]*types.Subscription, 0, len(e.byID))
	for _, sub := range e.byID {
		if sub.Status == types.SubscriptionActive {
			candidates = append(candidates, sub)
		}
	}
	e.mu.RUnlock()

	for _, sub := range candidates {
		e.deliverOne(sub, change)
	}
}

// PublishChanges processes changes in slices of cfg.PublishBatchSize,
// fanning each slice out concurrently (spec §4.5: "processes the input
// in slices of notifications.batch_size, each slice fan-out concurrent
// at the scheduling level").
func (e *Engine) PublishChanges(changes []*types.ChangeRecord) {
	batchSize := e.cfg.PublishBatchSize
	if batchSize <= 0 {
		batchSize = len(changes)
	}
	if batchSize <= 0 {
		return
	}
	for start := 0; start < len(changes); start += batchSize {
		end := start + batchSize
		if end > len(changes) {
			end = len(changes)
		}
		slice := changes[start:end]
		var wg sync.WaitGroup
		wg.Add(len(slice))
		for _, c := range slice {
			c := c
			go func() {
				defer wg.Done()
				e.PublishChange(c)
			}()
		}
		wg.Wait()
	}
}

func (e *Engine) deliverOne(sub *types.Subscription, change *types.ChangeRecord) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&e.errorCount, 1)
			e.log.Error().Interface("panic", r).Str("subscription_id", sub.ID).Msg("subscription delivery panicked")
		}
	}()

	var user map[string]interface{}
	if e.users != nil {
		user = e.users.Resolve(sub.UserID)
	}

	ok := true
	data := change.Data
	var err error
	if e.filt != nil {
		ok, data, err = e.filt.Evaluate(change, sub.Query, sub.UserID, user)
	}
	if err != nil {
		atomic.AddInt64(&e.errorCount, 1)
		e.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("change filter evaluation failed")
		return
	}
	if !ok {
		return
	}

	if e.dispatcher != nil {
		n := Notification{SubscriptionID: sub.ID, Change: change, Data: data, Priority: PriorityNormal}
		if err := e.dispatcher.Enqueue(sub.ConnectionID, n); err != nil {
			atomic.AddInt64(&e.errorCount, 1)
			e.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("dispatch enqueue failed")
			return
		}
	}

	e.mu.Lock()
	if live, ok := e.byID[sub.ID]; ok {
		live.LastActivity = time.Now()
	}
	e.mu.Unlock()
}

// ErrorCount returns the number of per-subscription delivery errors
// observed since the engine started.
func (e *Engine) ErrorCount() int64 {
	return atomic.LoadInt64(&e.errorCount)
}

// SubscriptionCount returns the number of currently indexed subscriptions.
func (e *Engine) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}

func (e *Engine) maintenanceLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-stop:
			return
		}
	}
}

// sweep drops expired (idle past cfg.IdleTimeout) and orphaned
// (connection no longer alive, per ConnectionChecker) subscriptions.
func (e *Engine) sweep() {
	now := time.Now()
	e.mu.RLock()
	var drop []string
	for id, sub := range e.byID {
		if e.cfg.IdleTimeout > 0 && now.Sub(sub.LastActivity) > e.cfg.IdleTimeout {
			drop = append(drop, id)
			continue
		}
		if e.conns != nil && !e.conns.IsAlive(sub.ConnectionID) {
			drop = append(drop, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range drop {
		if err := e.Unsubscribe(id); err != nil {
			e.log.Warn().Err(err).Str("subscription_id", id).Msg("maintenance sweep failed to drop subscription")
		}
	}
}

func (e *Engine) auditSuccess(event string, sub *types.Subscription, latency time.Duration) {
	if e.audit == nil {
		return
	}
	e.audit.Log(event, map[string]interface{}{
		"subscription_id": sub.ID,
		"user_id":          sub.UserID,
		"collection":       sub.Query.Collection,
		"latency_ms":       latency.Milliseconds(),
	})
}

func (e *Engine) auditFailure(userID string, err error) {
	if e.audit == nil {
		return
	}
	e.audit.Log("subscription_creation_failed", map[string]interface{}{
		"user_id": userID,
		"error":   err.Error(),
	})
}
