package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/totegamma/clearance/core"
)

// how many operations pass between wall-clock checks
const deadlineCheckInterval = 64

const (
	effectAllow = "allow"
	effectDeny  = "deny"
)

// exprEngine interprets condition trees of core.Expr nodes. The tree is
// walked directly with an operation budget and a depth cap, so a
// pathological policy document cannot occupy the evaluator for long.
// Expressions cannot load code or reach any I/O.
type exprEngine struct {
	config   core.SandboxConfig
	programs *ristretto.Cache
}

func newExprEngine(config core.SandboxConfig) *exprEngine {
	programs, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1024,
		MaxCost:     256,
		BufferItems: 64,
	})

	return &exprEngine{
		config:   config,
		programs: programs,
	}
}

func (e *exprEngine) run(ctx context.Context, script string, payload []byte, scopes *core.Scopes, deadline time.Time) (outcome, error) {
	document, err := e.compile(script)
	if err != nil {
		return outcome{}, err
	}

	var rctx map[string]any
	err = json.Unmarshal(payload, &rctx)
	if err != nil {
		return outcome{}, err
	}

	eval := &evaluator{
		config:   e.config,
		deadline: deadline,
		rctx:     rctx,
		scopes:   scopes,
	}

	result, err := eval.eval(document.Condition)
	if err != nil {
		return outcome{}, err
	}

	holds, ok := result.(bool)
	if !ok {
		return outcome{}, fmt.Errorf("condition yielded %T, expected a boolean", result)
	}

	if !holds {
		return outcome{verdict: core.VerdictAbstain}, nil
	}
	if document.Effect == effectDeny {
		return outcome{verdict: core.VerdictDeny}, nil
	}
	return outcome{verdict: core.VerdictAllow}, nil
}

func (e *exprEngine) compile(script string) (*core.ExprDocument, error) {
	if cached, ok := e.programs.Get(script); ok {
		if document, ok := cached.(*core.ExprDocument); ok {
			return document, nil
		}
	}

	document, err := parseScript(script)
	if err != nil {
		return nil, core.NewErrorConfiguration("script does not parse: " + err.Error())
	}

	e.programs.Set(script, document, 1)

	return document, nil
}

func parseScript(script string) (*core.ExprDocument, error) {
	var document core.ExprDocument
	if err := json.Unmarshal([]byte(script), &document); err != nil {
		return nil, err
	}

	if document.Condition.Operator == "" {
		// a bare condition without the effect wrapper
		var condition core.Expr
		if err := json.Unmarshal([]byte(script), &condition); err != nil {
			return nil, err
		}
		if condition.Operator == "" {
			return nil, fmt.Errorf("script has no condition")
		}
		document = core.ExprDocument{Condition: condition}
	}

	switch document.Effect {
	case "", effectAllow, effectDeny:
	default:
		return nil, fmt.Errorf("unknown effect %s", document.Effect)
	}

	return &document, nil
}

type evaluator struct {
	config   core.SandboxConfig
	deadline time.Time
	ops      int
	depth    int
	rctx     map[string]any
	scopes   *core.Scopes
}

// step charges one operation against the budget and periodically checks the
// deadline, so even a giant condition tree cannot run past its slice
func (ev *evaluator) step() error {
	ev.ops++
	if ev.ops > ev.config.Ops() {
		return core.NewErrorScriptResource("operation")
	}
	if ev.ops%deadlineCheckInterval == 0 && time.Now().After(ev.deadline) {
		return core.NewErrorScriptTimeout()
	}
	return nil
}

func (ev *evaluator) eval(expr core.Expr) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}

	ev.depth++
	defer func() { ev.depth-- }()
	if ev.depth > ev.config.CallDepth() {
		return nil, core.NewErrorScriptResource("depth")
	}

	switch expr.Operator {
	case "Const":
		return expr.Constant, nil

	case "Load":
		path, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("Load needs a string path")
		}
		value, _ := core.ResolveDotNotation(ev.rctx, path)
		return value, nil

	case "And":
		for _, arg := range expr.Args {
			value, err := ev.eval(arg)
			if err != nil {
				return nil, err
			}
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("bad argument type for And. expected bool but got %T", value)
			}
			if !flag {
				return false, nil
			}
		}
		return true, nil

	case "Or":
		for _, arg := range expr.Args {
			value, err := ev.eval(arg)
			if err != nil {
				return nil, err
			}
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("bad argument type for Or. expected bool but got %T", value)
			}
			if flag {
				return true, nil
			}
		}
		return false, nil

	case "Not":
		if len(expr.Args) != 1 {
			return nil, fmt.Errorf("Not takes exactly one argument")
		}
		value, err := ev.eval(expr.Args[0])
		if err != nil {
			return nil, err
		}
		flag, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("bad argument type for Not. expected bool but got %T", value)
		}
		return !flag, nil

	case "Eq":
		left, right, err := ev.pair("Eq", expr.Args)
		if err != nil {
			return nil, err
		}
		return looseEqual(left, right), nil

	case "Ne":
		left, right, err := ev.pair("Ne", expr.Args)
		if err != nil {
			return nil, err
		}
		return !looseEqual(left, right), nil

	case "Contains":
		collection, item, err := ev.pair("Contains", expr.Args)
		if err != nil {
			return nil, err
		}
		return containsValue(collection, item)

	case "In":
		item, collection, err := ev.pair("In", expr.Args)
		if err != nil {
			return nil, err
		}
		return containsValue(collection, item)

	case "HasRole":
		role, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("HasRole needs a string constant")
		}
		roles, _ := ev.rctx["roles"].([]any)
		for _, candidate := range roles {
			if candidate == role {
				return true, nil
			}
		}
		return false, nil

	case "HasScope":
		want, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("HasScope needs a string constant")
		}
		scope, _ := ev.rctx["scope"].(string)
		for _, granted := range strings.Fields(scope) {
			if granted == want {
				return true, nil
			}
		}
		return false, nil

	case "ScopeGrants":
		// optional constant narrows the scope context; absent means any
		scopeContext := ""
		if expr.Constant != nil {
			str, ok := expr.Constant.(string)
			if !ok {
				return nil, fmt.Errorf("ScopeGrants needs a string context")
			}
			scopeContext = str
		}
		resourceType, _ := ev.rctx["resourceType"].(string)
		operation, _ := ev.rctx["operation"].(string)
		return ev.scopes.Grants(scopeContext, resourceType, operation), nil

	case "IsOperation":
		operation, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("IsOperation needs a string constant")
		}
		current, _ := ev.rctx["operation"].(string)
		return current == operation, nil

	case "ResourceTypeIs":
		want, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("ResourceTypeIs needs a string constant")
		}
		current, _ := ev.rctx["resourceType"].(string)
		return want == "*" || current == want, nil

	case "ClientIs":
		want, ok := expr.Constant.(string)
		if !ok {
			return nil, fmt.Errorf("ClientIs needs a string constant")
		}
		current, _ := ev.rctx["clientID"].(string)
		return current == want, nil
	}

	return nil, fmt.Errorf("unknown operator %s", expr.Operator)
}

func (ev *evaluator) pair(name string, args []core.Expr) (any, any, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("%s takes exactly two arguments", name)
	}
	left, err := ev.eval(args[0])
	if err != nil {
		return nil, nil, err
	}
	right, err := ev.eval(args[1])
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func containsValue(collection any, item any) (bool, error) {
	switch v := collection.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("Contains on a string needs a string")
		}
		return strings.Contains(v, s), nil
	case []any:
		for _, candidate := range v {
			if looseEqual(candidate, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("Contains on a map needs a string key")
		}
		_, exists := v[key]
		return exists, nil
	}
	return false, fmt.Errorf("Contains does not apply to %T", collection)
}

func looseEqual(left any, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return reflect.DeepEqual(left, right)
}
