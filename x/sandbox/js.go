package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"github.com/totegamma/clearance/core"
)

// interpreter prelude wrapped around every policy script. The script body
// runs inside a closure whose return value is the decision, and sees the
// request context as a deeply frozen `ctx` binding.
const jsPrelude = `function allow() { return {__verdict: "allow"}; }
function deny(reason) { return {__verdict: "deny", __reason: reason === undefined ? "" : String(reason)}; }
function abstain() { return {__verdict: "abstain"}; }
function __freeze(value) {
	if (value !== null && typeof value === "object") {
		Object.getOwnPropertyNames(value).forEach(function(name) { __freeze(value[name]); });
		Object.freeze(value);
	}
	return value;
}
var ctx = __freeze(JSON.parse(__ctx));
var __out = (function() {
`

const jsEpilogue = `
})();
`

type jsPool struct {
	config   core.SandboxConfig
	slots    chan struct{}
	programs *ristretto.Cache
}

func newJsPool(config core.SandboxConfig) *jsPool {
	slots := make(chan struct{}, config.Size())
	for i := 0; i < config.Size(); i++ {
		slots <- struct{}{}
	}

	programs, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1024,
		MaxCost:     256,
		BufferItems: 64,
	})

	return &jsPool{
		config:   config,
		slots:    slots,
		programs: programs,
	}
}

// run executes one script on a fresh interpreter. The pool bounds how many
// interpreters are live at once; a slot that cannot be claimed within the
// checkout window rejects instead of queueing forever.
func (p *jsPool) run(ctx context.Context, script string, payload []byte, deadline time.Time) (outcome, error) {
	timer := time.NewTimer(p.config.Checkout())
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-timer.C:
		return outcome{}, core.NewErrorPoolExhausted()
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
	defer func() { p.slots <- struct{}{} }()

	program, err := p.compile(script)
	if err != nil {
		return outcome{}, err
	}

	// a fresh runtime per execution guarantees no state survives between
	// unrelated evaluations
	vm := goja.New()
	vm.SetMaxCallStackSize(p.config.StackSize())

	err = vm.Set("__ctx", string(payload))
	if err != nil {
		return outcome{}, err
	}

	watchdog := time.AfterFunc(time.Until(deadline), func() {
		vm.Interrupt("timeout")
	})
	defer watchdog.Stop()

	_, err = vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return outcome{}, core.NewErrorScriptTimeout()
		}
		var overflow *goja.StackOverflowError
		if errors.As(err, &overflow) {
			return outcome{}, core.NewErrorScriptResource("call depth")
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return outcome{}, fmt.Errorf("script threw: %s", exception.Value().String())
		}
		return outcome{}, err
	}

	return decodeJsOutcome(vm.Get("__out")), nil
}

func (p *jsPool) compile(script string) (*goja.Program, error) {
	if cached, ok := p.programs.Get(script); ok {
		if program, ok := cached.(*goja.Program); ok {
			return program, nil
		}
	}

	program, err := goja.Compile("policy", jsPrelude+script+jsEpilogue, true)
	if err != nil {
		return nil, core.NewErrorConfiguration("script does not compile: " + err.Error())
	}

	p.programs.Set(script, program, 1)

	return program, nil
}

// decodeJsOutcome interprets what the closure returned. Helper sentinels
// carry explicit verdicts, a bare true is an allow, and everything else
// (false included) is an abstention. Denying takes the deny() helper so a
// policy never blocks a request it merely failed to match.
func decodeJsOutcome(value goja.Value) outcome {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return outcome{verdict: core.VerdictAbstain}
	}

	switch exported := value.Export().(type) {
	case bool:
		if exported {
			return outcome{verdict: core.VerdictAllow}
		}
		return outcome{verdict: core.VerdictAbstain}
	case map[string]interface{}:
		verdict, _ := exported["__verdict"].(string)
		switch core.Verdict(verdict) {
		case core.VerdictAllow:
			return outcome{verdict: core.VerdictAllow}
		case core.VerdictDeny:
			reason, _ := exported["__reason"].(string)
			return outcome{verdict: core.VerdictDeny, reason: reason}
		case core.VerdictAbstain:
			return outcome{verdict: core.VerdictAbstain}
		}
	}

	return outcome{verdict: core.VerdictAbstain}
}
