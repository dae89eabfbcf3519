package core

import (
	"fmt"
	"strings"
)

// i.e.
// patient/Observation.rs
// user/Encounter.cruds
// system/*.rs?category=laboratory
// permissions are an ordered subset of "cruds": c < r < u < d < s

const permissionOrder = "cruds"

type Scope struct {
	Context      string
	ResourceType string
	Create       bool
	Read         bool
	Update       bool
	Delete       bool
	Search       bool
	Filter       string
}

type Scopes struct {
	Body []Scope
}

func ParseScope(input string) (Scope, error) {
	scope := Scope{}

	body := input
	if idx := strings.Index(input, "?"); idx >= 0 {
		scope.Filter = input[idx+1:]
		body = input[:idx]
		if scope.Filter == "" {
			return Scope{}, fmt.Errorf("scope %q: empty filter", input)
		}
	}

	pair := strings.SplitN(body, "/", 2)
	if len(pair) != 2 {
		return Scope{}, fmt.Errorf("scope %q: missing context", input)
	}

	switch pair[0] {
	case "patient", "user", "system":
		scope.Context = pair[0]
	default:
		return Scope{}, fmt.Errorf("scope %q: unknown context %q", input, pair[0])
	}

	dot := strings.LastIndex(pair[1], ".")
	if dot <= 0 || dot == len(pair[1])-1 {
		return Scope{}, fmt.Errorf("scope %q: missing permissions", input)
	}

	scope.ResourceType = pair[1][:dot]
	if strings.ContainsAny(scope.ResourceType, "/? ") {
		return Scope{}, fmt.Errorf("scope %q: invalid resource type", input)
	}

	perms := pair[1][dot+1:]
	last := -1
	for _, p := range perms {
		pos := strings.IndexRune(permissionOrder, p)
		if pos < 0 {
			return Scope{}, fmt.Errorf("scope %q: unknown permission %q", input, p)
		}
		if pos <= last {
			return Scope{}, fmt.Errorf("scope %q: permissions must be in cruds order", input)
		}
		last = pos
		switch p {
		case 'c':
			scope.Create = true
		case 'r':
			scope.Read = true
		case 'u':
			scope.Update = true
		case 'd':
			scope.Delete = true
		case 's':
			scope.Search = true
		}
	}

	return scope, nil
}

// ParseScopes parses a space separated scope claim.
func ParseScopes(input string) (*Scopes, error) {
	scopes := &Scopes{}
	for _, chunk := range strings.Fields(input) {
		scope, err := ParseScope(chunk)
		if err != nil {
			return nil, err
		}
		scopes.Body = append(scopes.Body, scope)
	}
	return scopes, nil
}

// PermissionForOperation maps a FHIR interaction to its scope permission.
func PermissionForOperation(op string) (byte, bool) {
	switch op {
	case "create":
		return 'c', true
	case "read", "vread", "history-instance":
		return 'r', true
	case "update", "patch":
		return 'u', true
	case "delete":
		return 'd', true
	case "search", "history-type":
		return 's', true
	}
	return 0, false
}

func (s Scope) allows(perm byte) bool {
	switch perm {
	case 'c':
		return s.Create
	case 'r':
		return s.Read
	case 'u':
		return s.Update
	case 'd':
		return s.Delete
	case 's':
		return s.Search
	}
	return false
}

// Grants reports whether any scope permits the operation on the resource type.
// An empty context matches scopes of every context.
func (s *Scopes) Grants(context string, resourceType string, op string) bool {
	if s == nil {
		return false
	}

	perm, ok := PermissionForOperation(op)
	if !ok {
		return false
	}

	for _, scope := range s.Body {
		if context != "" && scope.Context != context {
			continue
		}
		if scope.ResourceType != "*" && scope.ResourceType != resourceType {
			continue
		}
		if scope.allows(perm) {
			return true
		}
	}
	return false
}

func (s Scope) String() string {
	var b strings.Builder
	b.WriteString(s.Context)
	b.WriteString("/")
	b.WriteString(s.ResourceType)
	b.WriteString(".")
	if s.Create {
		b.WriteString("c")
	}
	if s.Read {
		b.WriteString("r")
	}
	if s.Update {
		b.WriteString("u")
	}
	if s.Delete {
		b.WriteString("d")
	}
	if s.Search {
		b.WriteString("s")
	}
	if s.Filter != "" {
		b.WriteString("?")
		b.WriteString(s.Filter)
	}
	return b.String()
}
