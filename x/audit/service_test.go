package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/internal/testutil"
)

var ctx = context.Background()

func testEvent(requestID string) core.DecisionEvent {
	return core.DecisionEvent{
		RequestID:    requestID,
		Subject:      "Practitioner/dr-yamada",
		ClientID:     "ehr-portal",
		Operation:    "read",
		ResourceType: "Observation",
		Verdict:      core.VerdictAllow,
		PolicyID:     "policy-1",
		Scanned:      []string{"policy-1"},
		DurationUS:   128,
		DecidedAt:    time.Now(),
	}
}

func TestService(t *testing.T) {

	var cleanup_rdb func()
	rdb, cleanup_rdb := testutil.CreateRDB()
	defer cleanup_rdb()

	conf := core.Config{}

	test_repo := NewRepository(rdb, conf)
	test_service := NewService(test_repo, conf)

	// Test1. recorded events land on the stream
	test_service.Record(ctx, testEvent("req-1"))
	test_service.Record(ctx, testEvent("req-2"))
	test_service.Record(ctx, testEvent("req-3"))

	assert.Eventually(t, func() bool {
		count, err := test_service.Count(ctx)
		return err == nil && count == 3
	}, 5*time.Second, 50*time.Millisecond)

	// Test2. the stored payload carries the full event
	messages, err := rdb.XRange(ctx, conf.Clearance.Audit.Stream(), "-", "+").Result()
	if assert.NoError(t, err) {
		assert.Len(t, messages, 3)
		payload, ok := messages[0].Values["event"].(string)
		if assert.True(t, ok) {
			assert.Contains(t, payload, `"requestID":"req-1"`)
			assert.Contains(t, payload, `"verdict":"allow"`)
			assert.Contains(t, payload, `"policyID":"policy-1"`)
		}
	}

	// Test3. a full buffer drops instead of blocking.
	// The writer is deliberately not started so the queue cannot drain.
	stalled := &service{
		repository: test_repo,
		queue:      make(chan core.DecisionEvent, 1),
	}

	done := make(chan struct{})
	go func() {
		stalled.Record(ctx, testEvent("req-4"))
		stalled.Record(ctx, testEvent("req-5"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	assert.Len(t, stalled.queue, 1)
}
