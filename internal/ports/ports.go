// Package ports declares the external collaborator interfaces the
// evaluation core consumes and exposes (spec §1 "Explicitly out of
// scope"/§6 "External Interfaces"). The core never depends on a concrete
// entity registry, state store, or publication sink — only on these
// contracts, grounded on the teacher's internal/app/storage and
// internal/app/domain interface-first package layout.
package ports

import "context"

// StateResult is the result of a state lookup (spec §6 state-provider
// contract): Exists=false models "entity not found"; Value is only
// meaningful when Exists is true.
type StateResult struct {
	Value  any
	Exists bool
}

// StateProvider resolves host entity state and attributes. Implemented by
// the integration embedding this engine; a missing entity is reported via
// StateResult.Exists, never via error.
type StateProvider interface {
	GetState(ctx context.Context, entityID string) (StateResult, error)
	GetAttribute(ctx context.Context, entityID, key string) (any, error)
	Enumerate(ctx context.Context, selectorSpec string) ([]string, error)
}

// MetadataProvider resolves the fixed metadata key set (spec §6) for an
// entity reference.
type MetadataProvider interface {
	GetMetadata(ctx context.Context, entityID, key string) (any, error)
}

// DataProviderCallback is the integration-supplied resolver for variables
// that are neither host entity state nor literals (spec §4.4
// data_provider strategy).
type DataProviderCallback func(ctx context.Context, name string) (StateResult, error)

// RegistryListener is notified when the host's entity registry renames an
// entity id; the storage layer uses this to rewrite the EntityID of every
// affected sensor and invalidate the per-formula result cache (spec §4.10).
type RegistryListener interface {
	OnEntityRenamed(oldID, newID string)
}

// Publisher performs the single atomic per-sensor-per-cycle publication
// (spec §6 "Result publication").
type Publisher interface {
	Publish(ctx context.Context, entityID string, value any, attributes map[string]any) error
}
