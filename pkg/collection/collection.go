// Package collection implements the collection engine (C4): the typed
// record store fronting a primary list and a set of secondary B+tree
// indexes, with index-maintenance hooks driven off insert/update/remove
// and a TTL sweeper. It orchestrates pkg/list, pkg/index, pkg/idgen and
// pkg/storage without depending on the change-notification packages —
// callers decide when and whether to publish the ChangeRecord a write
// returns.
package collection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/idgen"
	"github.com/cuemby/docstore/pkg/index"
	"github.com/cuemby/docstore/pkg/list"
	"github.com/cuemby/docstore/pkg/storage"
	"github.com/cuemby/docstore/pkg/types"
)

// IDSpec describes the primary-key field (spec §6 config: "id (string or
// {name, auto, gen})").
type IDSpec struct {
	Name string
	Auto bool
	Gen  string
}

// AuditConfig controls soft-delete (tombstone) semantics.
type AuditConfig struct {
	Enabled bool
	// CountTombstoneTowardTTL resolves the open question in spec §9:
	// whether an audit-tombstoned record still counts toward TTL expiry.
	// Default false — a tombstoned record is not "live" so its ttl field
	// is no longer meaningful (see SPEC_FULL.md Open Question decisions).
	CountTombstoneTowardTTL bool
}

// Config is the collection construction contract (spec §4.1, §6).
type Config struct {
	Name             string
	ID               IDSpec
	IndexList        []types.IndexDef
	TTL              time.Duration
	TTLKeyField      string // defaults to "_ttl"
	Wildcard         *types.IndexDef
	ValidationSchema []byte
	Audit            AuditConfig

	// Rotate is a cron expression (spec §6 "rotate?") driving periodic
	// segment rotation; empty disables it. Parsing and scheduling is
	// the caller's job (see RotationScheduler) — Config only carries
	// the expression and the callback so Collection stays storage-agnostic.
	Rotate string
	// OnRotate runs under c.mu once no other mutation is in flight
	// (spec §9: "defer rotate until no tx is active"). Left nil disables
	// rotation even if Rotate is set.
	OnRotate func(*Collection) error
}

func (c Config) idField() string {
	if c.ID.Name == "" {
		return "id"
	}
	return c.ID.Name
}

func (c Config) ttlField() string {
	if c.TTLKeyField == "" {
		return "_ttl"
	}
	return c.TTLKeyField
}

// Collection is the engine (C4). All mutating methods serialize through
// mu, matching the single-threaded-cooperative model of spec §5 — the
// mutex stands in for "the host scheduler serializes mutation paths."
type Collection struct {
	cfg     Config
	log     zerolog.Logger
	reg     *idgen.Registry
	list    list.List
	adapter storage.Adapter
	schema  *jsonschema.Schema

	mu          sync.Mutex
	primary     *index.Index
	ttlIndex    *index.Index
	maintainers []*index.Index
	byKey       map[string]*index.Index

	// slots maps a record's primary-key value (stringified) to the slot
	// it lives at. The two are independent: slot is list.NextSlot()'s
	// post-increment counter, while an auto id is list.Counter()'s
	// pre-increment value (spec §6), so an auto id is always one less
	// than its slot. recordByPK is the only reader.
	slots map[string]int64
}

// New constructs a Collection, installing indexes in the order spec
// §4.1 mandates: primary key first, then ttl_key if configured, then
// the user index list, then ensure() on all of them.
func New(cfg Config, lst list.List, adapter storage.Adapter, reg *idgen.Registry, log zerolog.Logger) (*Collection, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, dberr.New(dberr.KindValidation, "collection.New", "name required")
	}
	c := &Collection{
		cfg:     cfg,
		log:     log.With().Str("collection", cfg.Name).Logger(),
		reg:     reg,
		list:    lst,
		adapter: adapter,
		byKey:   make(map[string]*index.Index),
		slots:   make(map[string]int64),
	}

	idDef := types.IndexDef{Key: c.cfg.idField(), Auto: cfg.ID.Auto, Unique: true, Required: true, Gen: cfg.ID.Gen}
	if idDef.Gen == "" {
		idDef.Gen = "autoIncIdGen"
	}
	c.primary = index.New(idDef)
	c.maintainers = append(c.maintainers, c.primary)
	c.byKey[idDef.Key] = c.primary

	if cfg.TTL > 0 {
		ttlDef := types.IndexDef{Key: c.cfg.ttlField(), Auto: true, Sparse: true, Gen: "autoTimestamp"}
		c.ttlIndex = index.New(ttlDef)
		c.maintainers = append(c.maintainers, c.ttlIndex)
		c.byKey[ttlDef.Key] = c.ttlIndex
	}

	for _, def := range cfg.IndexList {
		if def.IsWildcard() {
			c.cfg.Wildcard = &def
			continue
		}
		ix := index.New(def)
		c.maintainers = append(c.maintainers, ix)
		c.byKey[def.Key] = ix
	}

	for _, m := range c.maintainers {
		if err := m.Ensure(); err != nil {
			return nil, dberr.Wrap(dberr.KindValidation, "collection.New", cfg.Name, err)
		}
	}

	if len(cfg.ValidationSchema) > 0 {
		schema, err := jsonschema.CompileString(cfg.Name+".json", string(cfg.ValidationSchema))
		if err != nil {
			return nil, dberr.Wrap(dberr.KindValidation, "collection.New", "validation schema", err)
		}
		c.schema = schema
	}

	return c, nil
}

// getPath resolves a dotted field path against a nested map.
func getPath(data map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func setPath(data map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := data
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
}

// ApplyOperation implements storage.Mutator — the transactional adapter
// calls this at finalize time to replay staged operations into the
// list and indexes without holding a persistent reference to c.
func (c *Collection) ApplyOperation(op storage.Operation) error {
	existing, present, err := c.list.Get(op.Slot)
	if err != nil {
		return err
	}
	switch op.Kind {
	case storage.OpInsertRecord:
		if present && existing != nil && op.After != nil && fmt.Sprint(existing.ID) == fmt.Sprint(op.After.ID) {
			c.slots[fmt.Sprint(op.After.ID)] = op.Slot
			return nil
		}
		return c.applyInsert(op.Slot, op.After)
	case storage.OpUpdateRecord:
		return c.applyUpdate(op.Slot, op.Before, op.After)
	case storage.OpDeleteRecord:
		if !present {
			return nil
		}
		return c.applyDelete(op.Slot, op.Before)
	default:
		return dberr.New(dberr.KindValidation, "collection.ApplyOperation", string(op.Kind))
	}
}

func (c *Collection) applyInsert(slot int64, rec *types.Record) error {
	if err := c.list.Set(slot, rec); err != nil {
		return err
	}
	if err := c.indexInsert(rec); err != nil {
		return err
	}
	c.slots[fmt.Sprint(rec.ID)] = slot
	return nil
}

func (c *Collection) applyUpdate(slot int64, before, after *types.Record) error {
	if err := c.list.Update(slot, after); err != nil {
		return err
	}
	return c.indexUpdate(before, after)
}

func (c *Collection) applyDelete(slot int64, before *types.Record) error {
	if err := c.indexRemove(before); err != nil {
		return err
	}
	if err := c.list.Delete(slot); err != nil {
		return err
	}
	delete(c.slots, fmt.Sprint(before.ID))
	return nil
}

func (c *Collection) indexInsert(rec *types.Record) error {
	pk := fmt.Sprint(rec.ID)
	var applied []*index.Index
	for _, m := range c.maintainers {
		val := c.fieldValue(rec, m.Definition())
		if err := m.OnInsert(pk, val); err != nil {
			for _, done := range applied {
				_ = done.OnRemove(pk, c.fieldValue(rec, done.Definition()))
			}
			return err
		}
		applied = append(applied, m)
	}
	return nil
}

func (c *Collection) indexUpdate(before, after *types.Record) error {
	pk := fmt.Sprint(after.ID)
	for _, m := range c.maintainers {
		oldVal := c.fieldValue(before, m.Definition())
		newVal := c.fieldValue(after, m.Definition())
		if err := m.OnUpdate(pk, oldVal, newVal); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) indexRemove(rec *types.Record) error {
	pk := fmt.Sprint(rec.ID)
	for _, m := range c.maintainers {
		_ = m.OnRemove(pk, c.fieldValue(rec, m.Definition()))
	}
	return nil
}

func (c *Collection) fieldValue(rec *types.Record, def types.IndexDef) interface{} {
	if rec == nil {
		return nil
	}
	if def.Key == c.cfg.idField() {
		return rec.ID
	}
	return getPath(rec.Data, def.Key)
}

// Push inserts a new record, resolving auto-generated index values,
// validating against every index and the optional JSON schema, and
// returning the stored Record plus the ChangeRecord describing it. The
// caller (the transaction layer, or a non-transactional direct path)
// decides when to publish it (spec §4.1).
func (c *Collection) Push(data map[string]interface{}) (*types.Record, *types.ChangeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeWildcard(data); err != nil {
		return nil, nil, err
	}
	c.resolveAutoFields(data)

	if c.schema != nil {
		if err := c.schema.Validate(data); err != nil {
			return nil, nil, dberr.Wrap(dberr.KindValidation, "collection.Push", c.cfg.Name, err)
		}
	}

	now := time.Now()
	rec := &types.Record{
		ID:        data[c.cfg.idField()],
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	if err := c.validateForInsert(rec); err != nil {
		return nil, nil, err
	}

	slot := c.list.NextSlot()
	if err := c.list.Set(slot, rec); err != nil {
		return nil, nil, err
	}
	if err := c.indexInsert(rec); err != nil {
		_ = c.list.Delete(slot)
		return nil, nil, err
	}
	c.slots[fmt.Sprint(rec.ID)] = slot

	c.sweepTTLLocked()

	change := &types.ChangeRecord{
		ResourceType: types.ResourceDocument,
		Collection:   c.cfg.Name,
		DocumentID:   rec.ID,
		Operation:    types.OpInsert,
		Data:         rec.Data,
		Timestamp:    now,
	}
	return rec, change, nil
}

// PrepareInsert validates and builds the Record and storage.Operation for
// a transactional insert without mutating the list or indexes — the
// mutation happens later, at commit time, via ApplyOperation. The slot
// is reserved now so two transactions staging inserts concurrently never
// collide, even though the slot is invisible to readers until applied.
func (c *Collection) PrepareInsert(data map[string]interface{}) (*types.Record, storage.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeWildcard(data); err != nil {
		return nil, storage.Operation{}, err
	}
	c.resolveAutoFields(data)

	if c.schema != nil {
		if err := c.schema.Validate(data); err != nil {
			return nil, storage.Operation{}, dberr.Wrap(dberr.KindValidation, "collection.PrepareInsert", c.cfg.Name, err)
		}
	}

	now := time.Now()
	rec := &types.Record{ID: data[c.cfg.idField()], Data: data, CreatedAt: now, UpdatedAt: now, Version: 1}
	if err := c.validateForInsert(rec); err != nil {
		return nil, storage.Operation{}, err
	}

	slot := c.list.NextSlot()
	return rec, storage.Operation{Kind: storage.OpInsertRecord, Slot: slot, After: rec}, nil
}

// PrepareUpdate validates a staged update without applying it.
func (c *Collection) PrepareUpdate(id interface{}, patch map[string]interface{}, merge bool) (before, after *types.Record, op storage.Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before, err = c.findByIDLocked(id)
	if err != nil {
		return nil, nil, storage.Operation{}, err
	}
	newData := make(map[string]interface{}, len(before.Data)+len(patch))
	for k, v := range before.Data {
		newData[k] = v
	}
	if merge {
		for k, v := range patch {
			newData[k] = v
		}
	} else {
		newData = patch
		newData[c.cfg.idField()] = before.ID
	}
	if c.schema != nil {
		if verr := c.schema.Validate(newData); verr != nil {
			return nil, nil, storage.Operation{}, dberr.Wrap(dberr.KindValidation, "collection.PrepareUpdate", c.cfg.Name, verr)
		}
	}
	after = &types.Record{ID: before.ID, Data: newData, CreatedAt: before.CreatedAt, UpdatedAt: time.Now(), Version: before.Version + 1}
	slot, _, _ := c.recordByPK(fmt.Sprint(before.ID))
	return before, after, storage.Operation{Kind: storage.OpUpdateRecord, Slot: slot, Before: before, After: after}, nil
}

// PrepareRemove validates a staged removal without applying it.
func (c *Collection) PrepareRemove(id interface{}) (before *types.Record, op storage.Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before, err = c.findByIDLocked(id)
	if err != nil {
		return nil, storage.Operation{}, err
	}
	slot, _, _ := c.recordByPK(fmt.Sprint(before.ID))
	return before, storage.Operation{Kind: storage.OpDeleteRecord, Slot: slot, Before: before}, nil
}

// ChangeFor derives the ChangeRecord a staged Operation will publish
// once committed.
func (c *Collection) ChangeFor(op storage.Operation) *types.ChangeRecord {
	switch op.Kind {
	case storage.OpInsertRecord:
		return &types.ChangeRecord{ResourceType: types.ResourceDocument, Collection: c.cfg.Name, DocumentID: op.After.ID, Operation: types.OpInsert, Data: op.After.Data, Timestamp: time.Now()}
	case storage.OpUpdateRecord:
		return &types.ChangeRecord{ResourceType: types.ResourceDocument, Collection: c.cfg.Name, DocumentID: op.After.ID, Operation: types.OpUpdate, Data: op.After.Data, PreviousData: op.Before.Data, AffectedFields: changedFields(op.Before.Data, op.After.Data), Timestamp: time.Now()}
	case storage.OpDeleteRecord:
		return &types.ChangeRecord{ResourceType: types.ResourceDocument, Collection: c.cfg.Name, DocumentID: op.Before.ID, Operation: types.OpDelete, PreviousData: op.Before.Data, Timestamp: time.Now()}
	default:
		return nil
	}
}

// validateForInsert runs each index's resolve step ahead of mutation so
// a validation failure leaves no partial index state (spec §4.1 step 6).
func (c *Collection) validateForInsert(rec *types.Record) error {
	for _, m := range c.maintainers {
		val := c.fieldValue(rec, m.Definition())
		if _, _, err := previewResolve(m, val); err != nil {
			return err
		}
	}
	return nil
}

// previewResolve calls the index's non-mutating resolve check; the
// collection holds its maintainers as *index.Index, so no type
// assertion is involved.
func previewResolve(m *index.Index, val interface{}) (interface{}, bool, error) {
	return m.PreviewResolve(val)
}

func (c *Collection) resolveAutoFields(data map[string]interface{}) {
	for _, m := range c.maintainers {
		def := m.Definition()
		if !def.Auto {
			continue
		}
		if getPath(data, def.Key) != nil {
			continue
		}
		gen, err := c.reg.Lookup(def.Gen)
		if err != nil {
			continue
		}
		setPath(data, def.Key, gen(data, c.list))
	}
}

// maybeWildcard auto-installs a per-field index the first time an
// unknown field appears on insert, using the "*" template's attributes
// (spec §4.1).
func (c *Collection) maybeWildcard(data map[string]interface{}) error {
	if c.cfg.Wildcard == nil {
		return nil
	}
	for key := range data {
		if key == c.cfg.idField() {
			continue
		}
		if _, known := c.byKey[key]; known {
			continue
		}
		def := *c.cfg.Wildcard
		def.Key = key
		ix := index.New(def)
		if err := ix.Ensure(); err != nil {
			return err
		}
		if err := c.rebuildOneLocked(ix); err != nil {
			return err
		}
		c.maintainers = append(c.maintainers, ix)
		c.byKey[key] = ix
	}
	return nil
}

func (c *Collection) rebuildOneLocked(ix *index.Index) error {
	return ix.Rebuild(func(yield func(pk string, value interface{}) bool) {
		c.list.Forward(func(slot int64, rec *types.Record) bool {
			if rec == nil || rec.Tombstoned() {
				return true
			}
			return yield(fmt.Sprint(rec.ID), c.fieldValue(rec, ix.Definition()))
		})
	})
}

// FindByID returns the live record with the given primary key.
func (c *Collection) FindByID(id interface{}) (*types.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findByIDLocked(id)
}

func (c *Collection) findByIDLocked(id interface{}) (*types.Record, error) {
	pks := c.primary.Lookup(id)
	if len(pks) == 0 {
		return nil, dberr.New(dberr.KindNotFound, "collection.FindByID", fmt.Sprint(id))
	}
	slot, rec, err := c.recordByPK(pks[0])
	if err != nil {
		return nil, err
	}
	if rec == nil || (rec.Tombstoned() && !c.freshLocked(rec)) {
		return nil, dberr.New(dberr.KindNotFound, "collection.FindByID", fmt.Sprint(id))
	}
	_ = slot
	return rec, nil
}

// recordByPK resolves a primary-key value (stringified) back to its slot
// and record via c.slots, the id->slot map maintained alongside every
// insert/delete. A numeric pk is never assumed to equal its own slot —
// an auto id is list.Counter() (pre-increment) while a slot is
// list.NextSlot() (post-increment), so they only coincide by accident.
// c.slots is re-derived by Restore after a snapshot load, so the map is
// always consistent with live list state; the full scan below only
// guards against a pk that predates that invariant (e.g. a bug in a
// future caller) rather than a real steady-state path.
func (c *Collection) recordByPK(pk string) (int64, *types.Record, error) {
	if slot, ok := c.slots[pk]; ok {
		if rec, ok, _ := c.list.Get(slot); ok && fmt.Sprint(rec.ID) == pk {
			return slot, rec, nil
		}
	}
	var found *types.Record
	var foundSlot int64
	c.list.Forward(func(s int64, rec *types.Record) bool {
		if rec != nil && fmt.Sprint(rec.ID) == pk {
			found, foundSlot = rec, s
			return false
		}
		return true
	})
	if found != nil {
		c.slots[pk] = foundSlot
	}
	return foundSlot, found, nil
}

// FindByIndex returns all live records whose field equals value, using
// the named index when present and falling back to a full scan when it
// is not (spec §4.1 find()).
func (c *Collection) FindByIndex(field string, value interface{}) ([]*types.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ix, ok := c.byKey[field]
	if !ok {
		return c.scanLocked(func(rec *types.Record) bool {
			return compareEqual(getPath(rec.Data, field), value)
		}), nil
	}
	var out []*types.Record
	for _, pk := range ix.Lookup(value) {
		_, rec, err := c.recordByPK(pk)
		if err != nil || rec == nil {
			continue
		}
		if rec.Tombstoned() && !c.freshLocked(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func compareEqual(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Scan returns all live records matching predicate, iterating the full
// list (spec §4.1 find() fallback path).
func (c *Collection) Scan(predicate func(rec *types.Record) bool) []*types.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanLocked(predicate)
}

func (c *Collection) scanLocked(predicate func(rec *types.Record) bool) []*types.Record {
	var out []*types.Record
	c.list.Forward(func(slot int64, rec *types.Record) bool {
		if rec == nil {
			return true
		}
		if rec.Tombstoned() && !c.freshLocked(rec) {
			return true
		}
		if predicate == nil || predicate(rec) {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// UpdateWithID finds the record by primary key and applies patch,
// either merging (deep-shallow: top-level keys overwrite) or replacing
// entirely, then re-validates and re-indexes only the fields that
// changed (spec §4.1 updateWithId).
func (c *Collection) UpdateWithID(id interface{}, patch map[string]interface{}, merge bool) (*types.Record, *types.ChangeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before, err := c.findByIDLocked(id)
	if err != nil {
		return nil, nil, err
	}
	newData := make(map[string]interface{}, len(before.Data)+len(patch))
	for k, v := range before.Data {
		newData[k] = v
	}
	if merge {
		for k, v := range patch {
			newData[k] = v
		}
	} else {
		newData = patch
		newData[c.cfg.idField()] = before.ID
	}

	if c.schema != nil {
		if err := c.schema.Validate(newData); err != nil {
			return nil, nil, dberr.Wrap(dberr.KindValidation, "collection.UpdateWithID", c.cfg.Name, err)
		}
	}

	after := &types.Record{
		ID:        before.ID,
		Data:      newData,
		CreatedAt: before.CreatedAt,
		UpdatedAt: time.Now(),
		Version:   before.Version + 1,
	}

	if err := c.indexUpdate(before, after); err != nil {
		return nil, nil, err
	}
	slot, _, _ := c.recordByPK(fmt.Sprint(before.ID))
	if err := c.list.Update(slot, after); err != nil {
		return nil, nil, err
	}

	affected := changedFields(before.Data, after.Data)
	change := &types.ChangeRecord{
		ResourceType:   types.ResourceDocument,
		Collection:     c.cfg.Name,
		DocumentID:     after.ID,
		Operation:      types.OpUpdate,
		Data:           after.Data,
		PreviousData:   before.Data,
		AffectedFields: affected,
		Timestamp:      after.UpdatedAt,
	}
	return after, change, nil
}

func changedFields(before, after map[string]interface{}) []string {
	var out []string
	seen := make(map[string]bool)
	for k, v := range after {
		seen[k] = true
		if bv, ok := before[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// RemoveWithID locates the record by primary key and removes it — a
// hard delete, or a tombstone when audit mode is enabled. A second call
// for an already-removed id reports NotFound (idempotent failure, spec
// §4.1).
func (c *Collection) RemoveWithID(id interface{}) (*types.ChangeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.findByIDLocked(id)
	if err != nil {
		return nil, err
	}
	slot, _, _ := c.recordByPK(fmt.Sprint(rec.ID))

	if c.cfg.Audit.Enabled {
		now := time.Now()
		tomb := *rec
		tomb.DeletedAt = &now
		tomb.UpdatedAt = now
		if err := c.list.Update(slot, &tomb); err != nil {
			return nil, err
		}
	} else {
		if err := c.indexRemove(rec); err != nil {
			return nil, err
		}
		if err := c.list.Delete(slot); err != nil {
			return nil, err
		}
		delete(c.slots, fmt.Sprint(rec.ID))
	}

	change := &types.ChangeRecord{
		ResourceType: types.ResourceDocument,
		Collection:   c.cfg.Name,
		DocumentID:   rec.ID,
		Operation:    types.OpDelete,
		PreviousData: rec.Data,
		Timestamp:    time.Now(),
	}
	return change, nil
}

// freshLocked reports whether a tombstoned or ttl-bearing record is
// still within its TTL window. Non-tombstoned records are always fresh
// from the TTL sweeper's point of view (the sweep itself removes expired
// ones); this is the read-path guard of testable property #7.
func (c *Collection) freshLocked(rec *types.Record) bool {
	if rec.Tombstoned() && !c.cfg.Audit.CountTombstoneTowardTTL {
		return false
	}
	if c.cfg.TTL <= 0 {
		return true
	}
	raw := getPath(rec.Data, c.cfg.ttlField())
	ms, ok := asInt64(raw)
	if !ok {
		return true
	}
	return idgen.Fresh(ms, c.cfg.TTL, time.Now())
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// sweepTTLLocked walks the ttl index once and removes every record whose
// ttl field is older than now-ttl. Bounded to a single pass per call so
// it can never recurse unboundedly (spec §4.1).
func (c *Collection) sweepTTLLocked() {
	if c.ttlIndex == nil || c.cfg.TTL <= 0 {
		return
	}
	threshold := time.Now().Add(-c.cfg.TTL).UnixMilli()
	expired := c.ttlIndex.Range(threshold)
	for _, pk := range expired {
		slot, rec, err := c.recordByPK(pk)
		if err != nil || rec == nil {
			continue
		}
		_ = c.indexRemove(rec)
		_ = c.list.Delete(slot)
	}
}

// ValidateOperations re-runs the insert-validation preview over every
// insert operation in ops, without mutating anything. The transaction
// manager calls this from PrepareCommit so a unique-index conflict
// introduced by another transaction since staging is still caught at
// prepare time (spec §4.4: "Unique-index violations are detected at
// prepare_commit").
func (c *Collection) ValidateOperations(ops []storage.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		if op.Kind == storage.OpInsertRecord && op.After != nil {
			if err := c.validateForInsert(op.After); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len reports the number of live slots in the list.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Length()
}

// Name returns the collection's configured name.
func (c *Collection) Name() string { return c.cfg.Name }

// Snapshot builds the whole-collection StoredData a storage adapter
// persists (spec §6 storage file format). Secondary indexes are not
// serialized independently of the list — the spec's non-goal — so
// SerializedIndexes is left empty; no adapter fills it, and Restore
// rebuilds every index by scanning the restored records.
func (c *Collection) Snapshot() *storage.StoredData {
	c.mu.Lock()
	defer c.mu.Unlock()

	listState := make(map[int64]*types.Record)
	c.list.Forward(func(slot int64, rec *types.Record) bool {
		listState[slot] = rec
		return true
	})

	defs := make([]types.IndexDef, 0, len(c.maintainers))
	for _, m := range c.maintainers {
		defs = append(defs, m.Definition())
	}

	return &storage.StoredData{
		ListState: listState,
		Counter:   c.list.Counter(),
		IndexDefs: defs,
		IDField:   c.cfg.idField(),
		TTLMillis: c.cfg.TTL.Milliseconds(),
	}
}

// Persist snapshots the collection and writes it through the adapter
// under name (the collection's own name, or a rotation-target name).
func (c *Collection) Persist(adapter storage.Adapter, name string) error {
	return adapter.Store(name, c.Snapshot())
}

// Restore reloads list state from sd (as produced by a prior Snapshot)
// and rebuilds every index by scanning the restored records — indexes
// are never restored from a serialized B+tree (spec §4.1).
func (c *Collection) Restore(sd *storage.StoredData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.list.Reset(); err != nil {
		return err
	}
	c.slots = make(map[string]int64, len(sd.ListState))
	for slot, rec := range sd.ListState {
		if err := c.list.Set(slot, rec); err != nil {
			return err
		}
		if rec != nil {
			c.slots[fmt.Sprint(rec.ID)] = slot
		}
	}
	if ml, ok := c.list.(*list.MemoryList); ok {
		ml.SetCounter(sd.Counter)
	}

	for _, m := range c.maintainers {
		if err := c.rebuildOneLocked(m); err != nil {
			return err
		}
	}
	return nil
}

// Rotate runs the configured OnRotate callback, if any, holding c.mu for
// its duration. Because every mutating method also takes c.mu, a rotate
// in progress blocks new writes and a write in progress blocks rotate.
// Deferring a rotation while a transaction is active against this
// collection is RotationScheduler's job, not this method's; Rotate
// itself only guarantees no write interleaves with the callback once it
// starts.
func (c *Collection) Rotate() error {
	if c.cfg.OnRotate == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.OnRotate(c)
}
