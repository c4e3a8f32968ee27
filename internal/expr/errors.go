package expr

import "fmt"

// SyntaxError is fatal at load time (spec §7) — the formula could not be
// parsed into an AST at all.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

// NameError surfaces a missing identifier during evaluation. The phase
// orchestrator treats this as a missing dependency (§4.6 Phase 4), not a
// fatal error.
type NameError struct {
	Name string
}

func (e *NameError) Error() string { return fmt.Sprintf("name '%s' is not defined", e.Name) }

// TypeError covers invalid operand combinations (e.g. string * string).
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return fmt.Sprintf("type error: %s", e.Msg) }

// ZeroDivisionError is raised by /, //, % with a zero divisor.
type ZeroDivisionError struct{}

func (e *ZeroDivisionError) Error() string { return "division by zero" }

// UnknownFunctionError is raised when a call references a name that is
// neither a builtin nor a caller-supplied function.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string { return fmt.Sprintf("unknown function '%s'", e.Name) }
