package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/collection"
	"github.com/cuemby/docstore/pkg/dispatch"
	"github.com/cuemby/docstore/pkg/events"
	"github.com/cuemby/docstore/pkg/filter"
	"github.com/cuemby/docstore/pkg/idgen"
	"github.com/cuemby/docstore/pkg/list"
	"github.com/cuemby/docstore/pkg/log"
	"github.com/cuemby/docstore/pkg/monitor"
	"github.com/cuemby/docstore/pkg/query"
	"github.com/cuemby/docstore/pkg/scheduler"
	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/subscription"
	"github.com/cuemby/docstore/pkg/txn"
	"github.com/cuemby/docstore/pkg/types"
	"github.com/cuemby/docstore/pkg/wal"
)

// allowAllAuthorizer is the permissive default authorization capability
// (spec §6: auth is reduced to a capability interface, provided by the
// embedding host). It grants every request, matching the spec's "initial
// policy is permissive" default for the field stripper.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(filter.AuthRequest) (bool, error) { return true, nil }

// emptyUserResolver resolves every user to an empty attribute bag, so
// user-scoped filters never panic on a missing field, only fail to match.
type emptyUserResolver struct{}

func (emptyUserResolver) Resolve(string) map[string]interface{} { return map[string]interface{}{} }

// alwaysAliveChecker treats every connection the host process has ever
// seen as alive. An embedding host that actually owns connections should
// supply its own ConnectionChecker; this one simply disables orphan
// detection rather than guessing.
type alwaysAliveChecker struct{}

func (alwaysAliveChecker) IsAlive(string) bool { return true }

// collectionInitialData synthesizes include_initial_data snapshots by
// scanning the target collection directly.
type collectionInitialData struct {
	collections map[string]*collection.Collection
}

func (p *collectionInitialData) InitialData(q *types.Query) (map[string]interface{}, error) {
	c, ok := p.collections[q.Collection]
	if !ok {
		return map[string]interface{}{"records": []interface{}{}}, nil
	}
	recs := c.Scan(func(*types.Record) bool { return true })
	out := make([]interface{}, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Data)
	}
	return map[string]interface{}{"records": out}, nil
}

// logAuditLogger records subscription lifecycle events via the
// component logger rather than a dedicated audit store, matching the
// teacher's pattern of using zerolog fields for operational visibility.
type logAuditLogger struct {
	log zerolog.Logger
}

func (a *logAuditLogger) Log(event string, fields map[string]interface{}) {
	e := a.log.Info().Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("subscription audit event")
}

// logTransport is the stand-in notification Transport for a process
// with no wire protocol wired in (spec's non-goal: WebSocket/SSE framing
// is an external collaborator). It logs deliveries instead of sending
// them, so the dispatcher's batching/retry machinery runs end to end
// even with no network listener attached.
type logTransport struct {
	log zerolog.Logger
}

func (t *logTransport) Send(connectionID string, batch []subscription.Notification) error {
	t.log.Info().Str("connection", connectionID).Int("count", len(batch)).Msg("notification batch delivered")
	return nil
}

// collEntry bundles one configured collection with the plumbing it
// needs at checkpoint/rotate/restore time.
type collEntry struct {
	coll    *collection.Collection
	adapter storage.Adapter
	txAdapt *storage.TransactionalAdapter
}

// instance is every live component one docstore process wires together.
type instance struct {
	cfg Config
	log zerolog.Logger

	wal        *wal.WAL
	registry   *txn.CheckpointRegistry
	manager    *txn.Manager
	monitor    *monitor.Monitor
	bus        *events.Bus
	subs       *subscription.Engine
	dispatcher *dispatch.Dispatcher
	checkpoint *scheduler.Checkpointer
	rotation   *collection.RotationScheduler
	busListen  events.Listener

	mu          sync.RWMutex
	collections map[string]*collEntry
}

// Publish hands a committed change to the bus, fanning it out to the
// subscription engine. Exposed for an embedding host that drives
// collection mutations directly and wants notifications delivered.
func (inst *instance) Publish(change *types.ChangeRecord) {
	inst.bus.Publish(change)
}

func buildStorageAdapter(cfg CollectionConfig, dataDir string) (storage.Adapter, list.List, error) {
	switch cfg.Storage {
	case "", "memory":
		return storage.NewMemoryAdapter(), list.NewMemory(), nil
	case "file":
		dir := filepath.Join(dataDir, "collections", cfg.Name)
		lst, err := list.NewFile(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file list for %s: %w", cfg.Name, err)
		}
		adapter, err := storage.NewFileAdapter(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file adapter for %s: %w", cfg.Name, err)
		}
		return adapter, lst, nil
	case "per_record":
		dir := filepath.Join(dataDir, "collections", cfg.Name)
		lst, err := list.NewFile(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file list for %s: %w", cfg.Name, err)
		}
		adapter, err := storage.NewPerRecordAdapter(dir, cfg.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("open per-record adapter for %s: %w", cfg.Name, err)
		}
		return adapter, lst, nil
	default:
		return nil, nil, fmt.Errorf("collection %s: unknown storage kind %q", cfg.Name, cfg.Storage)
	}
}

func toIndexDef(ix IndexConfig) types.IndexDef {
	return types.IndexDef{
		Key:        ix.Key,
		Auto:       ix.Auto,
		Unique:     ix.Unique,
		Sparse:     ix.Sparse,
		Required:   ix.Required,
		IgnoreCase: ix.IgnoreCase,
		Gen:        ix.Gen,
	}
}

func compressionAlgorithm(s string) wal.CompressionAlgorithm {
	switch s {
	case "gzip":
		return wal.CompressionGzip
	case "lz4":
		return wal.CompressionLZ4
	default:
		return wal.CompressionNone
	}
}

// buildInstance wires every SPEC_FULL.md component together: it opens
// the WAL and checkpoint registry, constructs and restores every
// configured collection, registers them as transaction participants,
// and builds the subscription/dispatch/monitor/events/scheduler layer
// around them. Nothing is started yet — callers decide lifecycle.
func buildInstance(cfg Config) (*instance, error) {
	baseLog := log.WithComponent("docstore")

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	w, err := wal.Open(wal.Config{
		Path: filepath.Join(cfg.Server.DataDir, cfg.WAL.Path),
		Compression: wal.CompressionConfig{
			Algorithm:      compressionAlgorithm(cfg.WAL.CompressionAlgorithm),
			ThresholdBytes: cfg.WAL.CompressionThresholdBytes,
		},
		CheckpointIntervalEntries: cfg.WAL.CheckpointIntervalEntries,
	}, log.WithComponent("wal"))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	registry, err := txn.OpenCheckpointRegistry(filepath.Join(cfg.Server.DataDir, cfg.WAL.CheckpointRegistryPath))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint registry: %w", err)
	}

	manager := txn.NewManager(w, log.WithComponent("txn"))
	mon := monitor.New(log.WithComponent("monitor"))
	bus := events.NewBus()

	inst := &instance{
		cfg:         cfg,
		log:         baseLog,
		wal:         w,
		registry:    registry,
		manager:     manager,
		monitor:     mon,
		bus:         bus,
		collections: make(map[string]*collEntry),
	}

	for _, ccfg := range cfg.Collections {
		if err := inst.addCollection(ccfg); err != nil {
			return nil, err
		}
	}

	initial := &collectionInitialData{collections: make(map[string]*collection.Collection, len(inst.collections))}
	for name, e := range inst.collections {
		initial.collections[name] = e.coll
	}

	permCache, err := filter.NewPermissionCache(
		cfg.Subscription.PermissionCache.MaxSize,
		parseDuration(cfg.Subscription.PermissionCache.TTL, 30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("build permission cache: %w", err)
	}
	f := filter.New(allowAllAuthorizer{}, permCache, nil)

	dispatcher := dispatch.New(dispatch.Config{
		BatchSize:    cfg.Dispatch.BatchSize,
		BatchTimeout: parseDuration(cfg.Dispatch.BatchTimeout, 200*time.Millisecond),
		MaxRetries:   cfg.Dispatch.MaxRetries,
		RetryDelay:   parseDuration(cfg.Dispatch.RetryDelay, 100*time.Millisecond),
	}, &logTransport{log: log.WithComponent("transport")}, log.WithComponent("dispatch"))

	subs := subscription.New(
		subscription.Config{
			MaxSubscriptionsPerUser: cfg.Subscription.MaxSubscriptionsPerUser,
			MaxSubscriptionsTotal:   cfg.Subscription.MaxSubscriptionsTotal,
			PublishBatchSize:        cfg.Subscription.PublishBatchSize,
			MaintenanceInterval:     parseDuration(cfg.Subscription.MaintenanceInterval, 60*time.Second),
			IdleTimeout:             parseDuration(cfg.Subscription.IdleTimeout, 0),
		},
		query.DefaultLimits(),
		subscription.Deps{
			Filter:     f,
			Auth:       allowAllAuthorizer{},
			Users:      emptyUserResolver{},
			Dispatcher: dispatcher,
			Conns:      alwaysAliveChecker{},
			Initial:    initial,
			Audit:      &logAuditLogger{log: log.WithComponent("subscription")},
			Log:        log.WithComponent("subscription"),
		},
	)

	inst.dispatcher = dispatcher
	inst.subs = subs
	inst.checkpoint = scheduler.New(manager, registry, parseDuration(cfg.WAL.CheckpointInterval, 30*time.Second), mon)
	inst.rotation = collection.NewRotationScheduler(manager, log.WithComponent("rotation"))

	for _, e := range inst.collections {
		if err := inst.rotation.Register(e.coll); err != nil {
			return nil, fmt.Errorf("register rotation for %s: %w", e.coll.Name(), err)
		}
	}

	return inst, nil
}

// addCollection constructs one configured collection, restores its
// last persisted snapshot (if any), and registers it as a transaction
// participant.
func (inst *instance) addCollection(ccfg CollectionConfig) error {
	adapter, lst, err := buildStorageAdapter(ccfg, inst.cfg.Server.DataDir)
	if err != nil {
		return err
	}

	indexes := make([]types.IndexDef, 0, len(ccfg.Indexes))
	for _, ix := range ccfg.Indexes {
		indexes = append(indexes, toIndexDef(ix))
	}
	var wildcard *types.IndexDef
	if ccfg.Wildcard != nil {
		d := toIndexDef(*ccfg.Wildcard)
		wildcard = &d
	}

	var schema []byte
	if ccfg.ValidationSchema != "" {
		data, err := os.ReadFile(ccfg.ValidationSchema)
		if err != nil {
			return fmt.Errorf("read validation schema for %s: %w", ccfg.Name, err)
		}
		schema = data
	}

	ccfgCopy := ccfg
	collCfg := collection.Config{
		Name:             ccfg.Name,
		ID:               toIDSpec(ccfg.ID),
		IndexList:        indexes,
		TTL:              parseDuration(ccfg.TTL, 0),
		TTLKeyField:      ccfg.TTLKeyField,
		Wildcard:         wildcard,
		ValidationSchema: schema,
		Rotate:           ccfg.Rotate,
		Audit: collection.AuditConfig{
			Enabled:                 ccfg.Audit.Enabled,
			CountTombstoneTowardTTL: ccfg.Audit.CountTombstoneTowardTTL,
		},
	}
	collCfg.OnRotate = func(c *collection.Collection) error {
		return c.Persist(adapter, ccfgCopy.Name)
	}

	reg := idgen.NewRegistry()
	c, err := collection.New(collCfg, lst, adapter, reg, log.WithComponent("collection"))
	if err != nil {
		return fmt.Errorf("build collection %s: %w", ccfg.Name, err)
	}

	if sd, ok, err := adapter.Restore(ccfg.Name); err != nil {
		return fmt.Errorf("restore collection %s: %w", ccfg.Name, err)
	} else if ok {
		if err := c.Restore(sd); err != nil {
			return fmt.Errorf("apply restored state for %s: %w", ccfg.Name, err)
		}
	}

	txAdapter := storage.Wrap(adapter)
	inst.manager.Register(txn.Participant{
		Name:     ccfg.Name,
		Adapter:  txAdapter,
		Mutator:  c,
		Validate: c.ValidateOperations,
	})

	inst.mu.Lock()
	inst.collections[ccfg.Name] = &collEntry{coll: c, adapter: adapter, txAdapt: txAdapter}
	inst.mu.Unlock()
	return nil
}

// Start launches every background loop: subscription maintenance,
// dispatch flush-on-age, timeout sweep, checkpoint cycle, and rotation.
func (inst *instance) Start() {
	inst.subs.Start()
	inst.dispatcher.Start()
	inst.manager.StartTimeoutSweep(parseDuration(inst.cfg.Txn.TimeoutSweepInterval, 5*time.Second))
	inst.checkpoint.Start()
	inst.rotation.Start()

	inst.bus.Start()
	inst.busListen = inst.bus.Listen()
	go func(l events.Listener) {
		for change := range l {
			inst.subs.PublishChange(change)
		}
	}(inst.busListen)

	inst.mu.RLock()
	for name, e := range inst.collections {
		inst.monitor.SetCollectionSize(name, int64(e.coll.Len()))
	}
	inst.mu.RUnlock()

	inst.monitor.RegisterComponent("wal", true, "open")
	inst.monitor.RegisterComponent("txn", true, "running")
	inst.monitor.RegisterComponent("subscription", true, "running")
	inst.monitor.RegisterComponent("dispatch", true, "running")
}

// Stop halts the rotation, checkpoint and timeout-sweep loops, then the
// event bus, the dispatcher and the subscription engine, then closes
// the WAL and the checkpoint registry, mirroring
// the teacher's shutdown sequencing in cmd/warren.
func (inst *instance) Stop() {
	inst.rotation.Stop()
	inst.checkpoint.Stop()
	inst.manager.Stop()
	inst.bus.Unlisten(inst.busListen)
	inst.bus.Stop()
	inst.dispatcher.Stop()
	inst.subs.Stop()
	if err := inst.wal.Close(); err != nil {
		inst.log.Error().Err(err).Msg("error closing wal")
	}
	if err := inst.registry.Close(); err != nil {
		inst.log.Error().Err(err).Msg("error closing checkpoint registry")
	}
}
