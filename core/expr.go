package core

import "strings"

// Expr is one node of a policy condition tree.
// Operators take their operands from Args, leaf operators from Constant.
type Expr struct {
	Operator string `json:"op"`
	Args     []Expr `json:"args,omitempty"`
	Constant any    `json:"const,omitempty"`
}

// ExprDocument is the storable form of an expression policy script.
// A condition that holds applies Effect; one that does not abstains.
type ExprDocument struct {
	Effect    string `json:"effect,omitempty"` // allow or deny, allow when empty
	Condition Expr   `json:"condition"`
}

// ResolveDotNotation walks a dot separated path into nested maps.
func ResolveDotNotation(obj map[string]any, key string) (any, bool) {
	keys := strings.Split(key, ".")
	current := obj
	for i, k := range keys {
		if i == len(keys)-1 {
			value, ok := current[k]
			return value, ok
		}
		next, ok := current[k].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}
