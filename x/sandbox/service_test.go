package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/totegamma/clearance/core"
)

var ctx = context.Background()

func testContext() core.RequestContext {
	return core.RequestContext{
		RequestID:    "req-1",
		Subject:      "Practitioner/dr-yamada",
		ClientID:     "ehr-portal",
		Roles:        []string{"practitioner"},
		Scope:        "user/Observation.rs user/Patient.r",
		Operation:    "read",
		ResourceType: "Observation",
		ResourceID:   "obs-1",
		RequestPath:  "/fhir/Observation/obs-1",
		Resource: map[string]any{
			"status":  "final",
			"subject": map[string]any{"reference": "Patient/p-100"},
		},
		Patient:     "Patient/p-100",
		FHIRUser:    "Practitioner/dr-yamada",
		RequestedAt: time.Now(),
	}
}

func expr(script string) core.EngineSpec {
	return core.EngineSpec{Type: core.EngineScript, Language: core.LangExpr, Script: script}
}

func js(script string) core.EngineSpec {
	return core.EngineSpec{Type: core.EngineScript, Language: core.LangJS, Script: script}
}

func TestService(t *testing.T) {

	test_service := NewService(core.Config{})
	rctx := testContext()

	// Test1. a bare condition that holds allows
	decision := test_service.Execute(ctx, expr(`{"op": "HasRole", "const": "practitioner"}`), rctx)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// Test2. a deny document whose condition holds denies
	decision = test_service.Execute(ctx, expr(`{"effect": "deny", "condition": {"op": "IsOperation", "const": "read"}}`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyDenied, decision.Code)

	// Test3. a condition that does not hold abstains, it never denies
	decision = test_service.Execute(ctx, expr(`{"op": "HasRole", "const": "admin"}`), rctx)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)

	// Test4. boolean operators compose over loaded context values
	composite := `{
		"effect": "allow",
		"condition": {"op": "And", "args": [
			{"op": "ClientIs", "const": "ehr-portal"},
			{"op": "Or", "args": [
				{"op": "HasScope", "const": "user/Observation.rs"},
				{"op": "HasScope", "const": "system/*.read"}
			]},
			{"op": "Eq", "args": [
				{"op": "Load", "const": "resource.status"},
				{"op": "Const", "const": "final"}
			]}
		]}
	}`
	decision = test_service.Execute(ctx, expr(composite), rctx)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// Test5. membership and substring operators
	membership := `{"op": "And", "args": [
		{"op": "In", "args": [
			{"op": "Const", "const": "practitioner"},
			{"op": "Load", "const": "roles"}
		]},
		{"op": "Contains", "args": [
			{"op": "Load", "const": "requestPath"},
			{"op": "Const", "const": "/Observation/"}
		]},
		{"op": "Ne", "args": [
			{"op": "Load", "const": "patient"},
			{"op": "Const", "const": ""}
		]}
	]}`
	decision = test_service.Execute(ctx, expr(membership), rctx)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// Test6. a deny document abstains when its condition fails
	guarded := `{"effect": "deny", "condition": {"op": "And", "args": [
		{"op": "ResourceTypeIs", "const": "*"},
		{"op": "Not", "args": [{"op": "HasScope", "const": "user/Observation.rs"}]}
	]}}`
	decision = test_service.Execute(ctx, expr(guarded), rctx)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)

	// Test7. malformed script json is a configuration fault
	decision = test_service.Execute(ctx, expr(`{"op":`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyConfig, decision.Code)

	// Test8. an unknown operator fails closed as a script error
	decision = test_service.Execute(ctx, expr(`{"op": "Summon"}`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptError, decision.Code)

	// Test9. an unknown effect is a configuration fault
	decision = test_service.Execute(ctx, expr(`{"effect": "maybe", "condition": {"op": "Const", "const": true}}`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyConfig, decision.Code)

	// Test10. a condition that yields a non boolean fails closed
	decision = test_service.Execute(ctx, expr(`{"op": "Const", "const": "yes"}`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptError, decision.Code)

	// Test11. javascript reaches the same context through the ctx object
	decision = test_service.Execute(ctx, js(`
		if (ctx.roles.indexOf("practitioner") >= 0) {
			return allow();
		}
		return abstain();
	`), rctx)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// Test12. the deny helper carries its reason out of the sandbox
	decision = test_service.Execute(ctx, js(`return deny("break-glass required");`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyDenied, decision.Code)
	assert.Equal(t, "break-glass required", decision.Message)

	// Test13. bare booleans follow the same convention as expressions
	decision = test_service.Execute(ctx, js(`return ctx.operation === "read";`), rctx)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// test13.1 false abstains rather than denying
	decision = test_service.Execute(ctx, js(`return ctx.operation === "delete";`), rctx)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)

	// Test14. the context object is frozen, writing to it kills the script
	decision = test_service.Execute(ctx, js(`
		ctx.subject = "Practitioner/evil";
		return ctx.subject === "Practitioner/dr-yamada";
	`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptError, decision.Code)

	// Test15. a thrown exception fails closed with its message preserved
	decision = test_service.Execute(ctx, js(`throw new Error("boom");`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptError, decision.Code)
	assert.Contains(t, decision.Message, "boom")

	// Test16. a script that does not compile is a configuration fault
	decision = test_service.Execute(ctx, js(`return ===;`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyConfig, decision.Code)

	// Test17. falling off the end of the script abstains
	decision = test_service.Execute(ctx, js(`var inspected = ctx.operation;`), rctx)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)

	// Test18. an unknown language never runs anything
	decision = test_service.Execute(ctx, core.EngineSpec{Type: core.EngineScript, Language: "lua", Script: `return true`}, rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyConfig, decision.Code)

	// Test19. an empty script is a configuration fault
	decision = test_service.Execute(ctx, expr(""), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePolicyConfig, decision.Code)

	// Test20. the parsed scope grammar gates the operation per resource type
	scoped := testContext()
	scoped.Scopes, _ = core.ParseScopes(scoped.Scope)
	decision = test_service.Execute(ctx, expr(`{"op": "ScopeGrants", "const": "user"}`), scoped)
	assert.Equal(t, core.VerdictAllow, decision.Verdict)

	// test20.1 an operation outside the granted permissions abstains
	scoped.Operation = "delete"
	decision = test_service.Execute(ctx, expr(`{"op": "ScopeGrants", "const": "user"}`), scoped)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)

	// test20.2 without parsed scopes nothing is granted
	decision = test_service.Execute(ctx, expr(`{"op": "ScopeGrants"}`), rctx)
	assert.Equal(t, core.VerdictAbstain, decision.Verdict)
}

func TestLimits(t *testing.T) {

	rctx := testContext()

	newService := func(sandbox core.SandboxConfig) core.SandboxService {
		conf := core.Config{}
		conf.Clearance.Sandbox = sandbox
		return NewService(conf)
	}

	// Test1. a spinning script is interrupted at the wall clock limit
	test_service := newService(core.SandboxConfig{ScriptTimeout: 100})
	decision := test_service.Execute(ctx, js(`while (true) {}`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptTimeout, decision.Code)

	// Test2. the caller deadline clips a generous script timeout
	test_service = newService(core.SandboxConfig{ScriptTimeout: 5000})
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	decision = test_service.Execute(short, js(`while (true) {}`), rctx)
	cancel()
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptTimeout, decision.Code)

	// Test3. a wide condition tree runs out of its operation budget
	test_service = newService(core.SandboxConfig{MaxOps: 100})
	var wide strings.Builder
	wide.WriteString(`{"op":"And","args":[`)
	for i := 0; i < 300; i++ {
		if i > 0 {
			wide.WriteString(",")
		}
		wide.WriteString(`{"op":"Const","const":true}`)
	}
	wide.WriteString(`]}`)
	decision = test_service.Execute(ctx, expr(wide.String()), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptResource, decision.Code)
	assert.Contains(t, decision.Message, "operation")

	// Test4. deep nesting runs into the depth cap
	test_service = newService(core.SandboxConfig{MaxOps: 1000, MaxCallDepth: 50})
	deep := strings.Repeat(`{"op":"Not","args":[`, 200) + `{"op":"Const","const":true}` + strings.Repeat(`]}`, 200)
	decision = test_service.Execute(ctx, expr(deep), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptResource, decision.Code)
	assert.Contains(t, decision.Message, "depth")

	// Test5. an oversized request context is rejected before any engine runs
	test_service = newService(core.SandboxConfig{MaxContextBytes: 1024})
	bulky := testContext()
	bulky.RequestBody = map[string]any{"note": strings.Repeat("x", 4096)}
	decision = test_service.Execute(ctx, expr(`{"op":"Const","const":true}`), bulky)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptResource, decision.Code)
	assert.Contains(t, decision.Message, "size")

	// Test6. checkout times out when every interpreter slot is taken
	test_service = newService(core.SandboxConfig{PoolSize: 1, CheckoutTimeout: 50, ScriptTimeout: 400})
	blocked := make(chan core.AccessDecision, 1)
	go func() {
		blocked <- test_service.Execute(ctx, js(`while (true) {}`), rctx)
	}()
	time.Sleep(100 * time.Millisecond)
	decision = test_service.Execute(ctx, js(`return true;`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodePoolExhausted, decision.Code)

	first := <-blocked
	assert.Equal(t, core.CodeScriptTimeout, first.Code)

	// Test7. runaway recursion hits the interpreter stack limit
	test_service = newService(core.SandboxConfig{})
	decision = test_service.Execute(ctx, js(`
		function f() { return f(); }
		return f();
	`), rctx)
	assert.Equal(t, core.VerdictDeny, decision.Verdict)
	assert.Equal(t, core.CodeScriptResource, decision.Code)
}
