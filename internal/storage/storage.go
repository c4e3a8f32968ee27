// Package storage implements C10 (spec §4.10): CRUD for sensor sets and
// their sensors, deterministic entity-id collision suffixing, a
// registry-listener hook for entity renames, and YAML import/export.
// Grounded directly on internal/app/storage/{interfaces.go,memory.go}'s
// map-based, mutex-guarded, sequential-ID store pattern — the interface is
// declared first, a thread-safe in-memory implementation follows, matching
// the teacher's "Memory is a thread-safe in-memory persistence layer...
// deliberately keeps the implementation simple" doc comment.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	appservice "github.com/r3e-network/formula-engine/internal/app/core/service"
	"github.com/r3e-network/formula-engine/internal/model"
	"gopkg.in/yaml.v3"
)

// Store is the contract surfaced to external collaborators (spec §4.10).
type Store interface {
	CreateSensorSet(ctx context.Context, id string, device string) (*model.SensorSet, error)
	GetSensorSet(ctx context.Context, id string) (*model.SensorSet, error)
	ListSensorSets(ctx context.Context, device string, limit int) ([]*model.SensorSet, error)
	DeleteSensorSet(ctx context.Context, id string) error

	AddSensor(ctx context.Context, setID string, sensor *model.Sensor) (*model.Sensor, error)
	UpdateSensor(ctx context.Context, setID string, sensor *model.Sensor) (*model.Sensor, error)
	RemoveSensor(ctx context.Context, setID, sensorKey string) error
	GetSensor(ctx context.Context, setID, sensorKey string) (*model.Sensor, error)
	ListSensors(ctx context.Context, setID string) ([]*model.Sensor, error)
	ReplaceSensors(ctx context.Context, setID string, sensors []*model.Sensor) error

	ImportYAML(ctx context.Context, setID string, text string) error
	ExportYAML(ctx context.Context, setID string) (string, error)
}

// RegistryRenameHook is the callback shape for a host entity-id rename;
// Memory.OnEntityRenamed is the store's handler, rewriting every affected
// Sensor.EntityID and clearing downstream result caches (spec §4.10: "on callback the storage layer rewrites all
// references and clears the cycle caches on the next invocation").
type RegistryRenameHook func(oldID, newID string)

// sensorSetDoc/sensorDoc are the YAML wire shapes — kept separate from
// model.SensorSet/model.Sensor so the internal data model can evolve
// without coupling to the on-disk format, matching the teacher's general
// preference for typed wire structs over marshaling domain types directly.
type sensorSetDoc struct {
	ID               string                 `yaml:"id"`
	DeviceIdentifier string                 `yaml:"device_identifier,omitempty"`
	GlobalVariables  map[string]interface{} `yaml:"global_variables,omitempty"`
	GlobalMetadata   map[string]string      `yaml:"global_metadata,omitempty"`
	Sensors          []sensorDoc            `yaml:"sensors"`
}

type sensorDoc struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	EntityID string `yaml:"entity_id,omitempty"`
	Formula  string `yaml:"formula"`
}

// Memory is a thread-safe in-memory implementation of Store, intended for
// tests, demos, and as the default backing for cmd/sensorctl.
type Memory struct {
	mu      sync.RWMutex
	sets    map[string]*model.SensorSet
	onClear func(cacheKey string) // invalidates phase.Evaluator's result cache
}

// NewMemory creates an empty in-memory store. onClear, if non-nil, is
// called with every affected sensor's "<key>:main" cache key whenever an
// entity rename or sensor mutation invalidates its cached result (spec
// §4.10) — supplied as a closure rather than an import of internal/phase to
// avoid a storage -> phase dependency the teacher's layering would not
// introduce either.
func NewMemory(onClear func(cacheKey string)) *Memory {
	return &Memory{
		sets:    make(map[string]*model.SensorSet),
		onClear: onClear,
	}
}

func (m *Memory) CreateSensorSet(_ context.Context, id, device string) (*model.SensorSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sets[id]; exists {
		return nil, fmt.Errorf("sensor set %s already exists", id)
	}
	set := &model.SensorSet{
		ID:               id,
		DeviceIdentifier: device,
		GlobalVariables:  make(map[string]interface{}),
		GlobalMetadata:   make(map[string]string),
	}
	m.sets[id] = set
	return cloneSet(set), nil
}

func (m *Memory) GetSensorSet(_ context.Context, id string) (*model.SensorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[id]
	if !ok {
		return nil, fmt.Errorf("sensor set %s not found", id)
	}
	return cloneSet(set), nil
}

// ListSensorSets returns sets matching device (all, if empty), capped at
// limit via service.ClampLimit so callers inherit the teacher's pagination
// defaults rather than reimplementing bounds-checking locally.
func (m *Memory) ListSensorSets(_ context.Context, device string, limit int) ([]*model.SensorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sets))
	for id := range m.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	clamped := appservice.ClampLimit(limit, appservice.DefaultListLimit, appservice.MaxListLimit)
	out := make([]*model.SensorSet, 0, clamped)
	for _, id := range ids {
		set := m.sets[id]
		if device != "" && set.DeviceIdentifier != device {
			continue
		}
		out = append(out, cloneSet(set))
		if len(out) >= clamped {
			break
		}
	}
	return out, nil
}

func (m *Memory) DeleteSensorSet(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[id]; !ok {
		return fmt.Errorf("sensor set %s not found", id)
	}
	delete(m.sets, id)
	return nil
}

func (m *Memory) AddSensor(_ context.Context, setID string, sensor *model.Sensor) (*model.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("sensor set %s not found", setID)
	}
	if set.FindSensor(sensor.Key) != nil {
		return nil, fmt.Errorf("sensor %s already exists in set %s", sensor.Key, setID)
	}
	assignEntityID(set, sensor)
	set.Sensors = append(set.Sensors, sensor)
	return sensor, nil
}

func (m *Memory) UpdateSensor(_ context.Context, setID string, sensor *model.Sensor) (*model.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("sensor set %s not found", setID)
	}
	for i, s := range set.Sensors {
		if s.Key == sensor.Key {
			sensor.EntityID = s.EntityID // rename goes through the registry hook, not a plain update
			set.Sensors[i] = sensor
			m.invalidate(setID, sensor.Key)
			return sensor, nil
		}
	}
	return nil, fmt.Errorf("sensor %s not found in set %s", sensor.Key, setID)
}

func (m *Memory) RemoveSensor(_ context.Context, setID, sensorKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[setID]
	if !ok {
		return fmt.Errorf("sensor set %s not found", setID)
	}
	for i, s := range set.Sensors {
		if s.Key == sensorKey {
			set.Sensors = append(set.Sensors[:i], set.Sensors[i+1:]...)
			m.invalidate(setID, sensorKey)
			return nil
		}
	}
	return fmt.Errorf("sensor %s not found in set %s", sensorKey, setID)
}

func (m *Memory) GetSensor(_ context.Context, setID, sensorKey string) (*model.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("sensor set %s not found", setID)
	}
	sensor := set.FindSensor(sensorKey)
	if sensor == nil {
		return nil, fmt.Errorf("sensor %s not found in set %s", sensorKey, setID)
	}
	return sensor, nil
}

func (m *Memory) ListSensors(_ context.Context, setID string) ([]*model.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("sensor set %s not found", setID)
	}
	return append([]*model.Sensor(nil), set.Sensors...), nil
}

// ReplaceSensors atomically swaps a set's full sensor list, reassigning
// entity-id collision suffixes from scratch in declaration order (spec
// §4.10: "stable ordering = declaration order").
func (m *Memory) ReplaceSensors(_ context.Context, setID string, sensors []*model.Sensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[setID]
	if !ok {
		return fmt.Errorf("sensor set %s not found", setID)
	}
	set.Sensors = nil
	seen := make(map[string]int)
	for _, sensor := range sensors {
		assignEntityIDSeen(sensor, seen)
		set.Sensors = append(set.Sensors, sensor)
	}
	for _, sensor := range sensors {
		m.invalidate(setID, sensor.Key)
	}
	return nil
}

func (m *Memory) invalidate(setID, sensorKey string) {
	if m.onClear != nil {
		m.onClear(sensorKey + ":main")
	}
}

// OnEntityRenamed implements ports.RegistryListener (spec §4.10): rewrite
// every sensor whose EntityID matches oldID, across every set, and clear
// the affected result caches.
func (m *Memory) OnEntityRenamed(oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for setID, set := range m.sets {
		for _, sensor := range set.Sensors {
			if sensor.EntityID == oldID {
				sensor.EntityID = newID
				m.invalidate(setID, sensor.Key)
			}
		}
	}
}

// assignEntityID picks sensor.EntityID from the set's existing sensors plus
// sensor.Key, appending a deterministic "_2", "_3", ... suffix on
// collision (spec §4.10).
func assignEntityID(set *model.SensorSet, sensor *model.Sensor) {
	seen := make(map[string]int, len(set.Sensors))
	for _, s := range set.Sensors {
		seen[baseEntityID(s.EntityID)]++
	}
	assignEntityIDSeen(sensor, seen)
}

func assignEntityIDSeen(sensor *model.Sensor, seen map[string]int) {
	base := sensor.EntityID
	if base == "" {
		base = sensor.Key
	}
	base = baseEntityID(base)
	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		sensor.EntityID = base
		return
	}
	sensor.EntityID = base + "_" + strconv.Itoa(n+1)
}

// baseEntityID strips a previously assigned "_N" collision suffix so
// re-suffixing (e.g. from ReplaceSensors) is idempotent rather than
// compounding ("power_2_2_2...").
func baseEntityID(id string) string {
	idx := strings.LastIndexByte(id, '_')
	if idx <= 0 {
		return id
	}
	if _, err := strconv.Atoi(id[idx+1:]); err == nil {
		return id[:idx]
	}
	return id
}

// ImportYAML replaces a set's sensors from YAML text (spec §4.10
// import_yaml). Only the minimal declarative subset needed for a
// round-trippable config file is modeled in sensorSetDoc/sensorDoc;
// variables/attributes/alternate-states import is left to a richer
// document schema callers can extend without changing this contract.
func (m *Memory) ImportYAML(ctx context.Context, setID string, text string) error {
	var doc sensorSetDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("parsing sensor set yaml: %w", err)
	}
	sensors := make([]*model.Sensor, 0, len(doc.Sensors))
	for _, sd := range doc.Sensors {
		sensors = append(sensors, &model.Sensor{
			Key:      sd.Key,
			Name:     sd.Name,
			EntityID: sd.EntityID,
			Formula:  sd.Formula,
		})
	}
	return m.ReplaceSensors(ctx, setID, sensors)
}

// ExportYAML serializes a set's current sensors (spec §4.10 export_yaml).
func (m *Memory) ExportYAML(_ context.Context, setID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[setID]
	if !ok {
		return "", fmt.Errorf("sensor set %s not found", setID)
	}
	doc := sensorSetDoc{
		ID:               set.ID,
		DeviceIdentifier: set.DeviceIdentifier,
		GlobalVariables:  set.GlobalVariables,
		GlobalMetadata:   set.GlobalMetadata,
	}
	for _, s := range set.Sensors {
		doc.Sensors = append(doc.Sensors, sensorDoc{
			Key:      s.Key,
			Name:     s.Name,
			EntityID: s.EntityID,
			Formula:  s.Formula,
		})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func cloneSet(s *model.SensorSet) *model.SensorSet {
	clone := *s
	clone.Sensors = append([]*model.Sensor(nil), s.Sensors...)
	clone.GlobalVariables = copyAnyMap(s.GlobalVariables)
	clone.GlobalMetadata = copyStringMap(s.GlobalMetadata)
	return &clone
}

func copyAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateSensorSet is a supplemental diagnostic (spec SPEC_FULL.md §12):
// a lint pass over a set's declared sensors that a complete configuration
// surface would offer before committing an import, independent of the
// circular-reference check the dependency manager performs at evaluation
// time.
func ValidateSensorSet(set *model.SensorSet) []string {
	var problems []string
	seenKeys := make(map[string]bool)
	for _, s := range set.Sensors {
		if s.Key == "" {
			problems = append(problems, "sensor has an empty key")
			continue
		}
		if seenKeys[s.Key] {
			problems = append(problems, fmt.Sprintf("duplicate sensor key %q", s.Key))
		}
		seenKeys[s.Key] = true
		if s.Formula == "" {
			problems = append(problems, fmt.Sprintf("sensor %q has no formula", s.Key))
		}
	}
	return problems
}
