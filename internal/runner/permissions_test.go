package runner

import (
	"testing"
)

func TestPermissionTable_RespondDeliversOnce(t *testing.T) {
	tbl := newPermissionTable()
	p := tbl.register("req-1", "sess-1")

	if !tbl.respond("req-1", PermissionResult{Behavior: BehaviorAllow}) {
		t.Fatal("first respond should deliver")
	}
	res := <-p.result
	if res.Behavior != BehaviorAllow {
		t.Errorf("behavior = %q, want allow", res.Behavior)
	}

	if tbl.respond("req-1", PermissionResult{Behavior: BehaviorDeny}) {
		t.Error("second respond for the same request should be dropped")
	}
}

func TestPermissionTable_RespondUnknown(t *testing.T) {
	tbl := newPermissionTable()
	if tbl.respond("nope", PermissionResult{Behavior: BehaviorAllow}) {
		t.Error("respond to an unknown request should report false")
	}
}

func TestPermissionTable_ResolveAfterRemove(t *testing.T) {
	tbl := newPermissionTable()
	p := tbl.register("req-1", "sess-1")

	// Simulates the timeout path: the entry leaves the table, then resolves.
	tbl.remove("req-1")
	if !p.resolve(PermissionResult{Behavior: BehaviorDeny, Message: timeoutDenyMessage}) {
		t.Fatal("resolve after remove should still deliver once")
	}
	res := <-p.result
	if res.Message != timeoutDenyMessage {
		t.Errorf("message = %q, want %q", res.Message, timeoutDenyMessage)
	}

	if tbl.respond("req-1", PermissionResult{Behavior: BehaviorAllow}) {
		t.Error("late respond after timeout should be dropped")
	}
}

func TestPermissionTable_AbortSession(t *testing.T) {
	tbl := newPermissionTable()
	p1 := tbl.register("req-1", "sess-a")
	p2 := tbl.register("req-2", "sess-a")
	p3 := tbl.register("req-3", "sess-b")

	tbl.abortSession("sess-a")

	for _, p := range []*pendingPermission{p1, p2} {
		res := <-p.result
		if res.Behavior != BehaviorDeny || res.Message != abortDenyMessage {
			t.Errorf("%s: result = %+v, want deny %q", p.requestID, res, abortDenyMessage)
		}
	}

	select {
	case res := <-p3.result:
		t.Errorf("other session's request resolved unexpectedly: %+v", res)
	default:
	}
	if !tbl.respond("req-3", PermissionResult{Behavior: BehaviorAllow}) {
		t.Error("other session's request should remain answerable")
	}
}
