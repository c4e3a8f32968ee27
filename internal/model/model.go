// Package model defines the declarative configuration data model (spec
// §3): sensor sets, sensors, variables, attributes, and alternate-state
// handlers. These are plain records with no constructor; nothing validates
// them on construction (storage.ValidateSensorSet is a separate lint pass
// over a set's sensors).
package model

// AlternateStateKey is one of the four alternate-state handler slots (spec
// §3/§4.8).
type AlternateStateKey string

const (
	StateUnavailable AlternateStateKey = "UNAVAILABLE"
	StateUnknown     AlternateStateKey = "UNKNOWN"
	StateNone        AlternateStateKey = "NONE"
	StateFallback    AlternateStateKey = "FALLBACK"
)

// VariableKind distinguishes the four variable shapes (spec §3).
type VariableKind int

const (
	VarLiteral VariableKind = iota
	VarEntityReference
	VarCollectionPattern
	VarComputed
)

// Variable is a single sensor- or computed-variable binding.
type Variable struct {
	Name  string
	Kind  VariableKind
	Literal interface{} // number/string/bool, when Kind == VarLiteral
	Ref     string      // entity-id or collection-pattern text
	Formula string      // when Kind == VarComputed
	AlternateStates map[AlternateStateKey]*HandlerSpec // when Kind == VarComputed
}

// HandlerSpec is one alternate-state handler entry: either a bare literal
// or a {formula, variables} object (spec §3 AlternateStateHandler).
type HandlerSpec struct {
	Literal   interface{} // set when the handler is a bare literal
	IsLiteral bool
	Formula   string                 // set when the handler is {formula, variables?}
	Variables map[string]interface{} // additional literal bindings local to the handler
}

// Attribute is a sensor attribute: either a literal or a formula object
// that sees `state` = the sensor's just-computed main value.
type Attribute struct {
	Name            string
	IsLiteral       bool
	Literal         interface{}
	Formula         string
	Variables       map[string]Variable
	Metadata        map[string]string
	AlternateStates map[AlternateStateKey]*HandlerSpec
}

// Sensor is one synthetic sensor definition.
type Sensor struct {
	Key             string
	Name            string
	EntityID        string // assigned/suffixed at storage layer; empty until then
	Formula         string
	Variables       map[string]Variable
	Attributes      map[string]Attribute
	AlternateStates map[AlternateStateKey]*HandlerSpec
	Metadata        map[string]string
	DeviceAssoc     string
}

// SensorSet is a named group of sensors sharing a globals layer.
type SensorSet struct {
	ID               string
	DeviceIdentifier string
	GlobalVariables  map[string]interface{}
	GlobalMetadata   map[string]string
	Sensors          []*Sensor
}

// FindSensor returns the sensor with the given key, or nil.
func (s *SensorSet) FindSensor(key string) *Sensor {
	for _, sn := range s.Sensors {
		if sn.Key == key {
			return sn
		}
	}
	return nil
}
