package ledger

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestOutcomes creates n outcomes; indexes listed in failed are failures
func newTestOutcomes(n int, failed ...int) []types.Outcome {
	fail := make(map[int]bool)
	for _, i := range failed {
		fail[i] = true
	}
	outcomes := make([]types.Outcome, n)
	for i := range outcomes {
		outcomes[i] = types.Outcome{
			InputOrder:  i + 1,
			OutputOrder: n - i,
			Identity:    fmt.Sprintf("id-%d", i),
			Args:        types.Args{"i": i},
			Success:     !fail[i],
			Result:      "first",
		}
	}
	return outcomes
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// get looks up an outcome on the master list by identity
func get(l *Ledger, identity string) (types.Outcome, bool) {
	for _, o := range l.Outcomes() {
		if o.Identity == identity {
			return o, true
		}
	}
	return types.Outcome{}, false
}

// countFailed counts outcomes that neither succeeded nor went missing
func countFailed(outcomes []types.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Success && !o.Missing {
			n++
		}
	}
	return n
}

func identities(retries []Retry) []string {
	ids := make([]string, len(retries))
	for i, r := range retries {
		ids[i] = r.Identity
	}
	return ids
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestReset(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(3)))

	if n := len(l.Outcomes()); n != 3 {
		t.Errorf("len: got %d, want 3", n)
	}
	o, ok := get(l, "id-1")
	if !ok || o.InputOrder != 2 {
		t.Errorf("get id-1: got %+v, %v", o, ok)
	}
}

func TestResetDuplicateIdentity(t *testing.T) {
	outcomes := newTestOutcomes(2)
	outcomes[1].Identity = outcomes[0].Identity

	assertError(t, New().Reset(outcomes), ErrDuplicateIdentity)
}

func TestSelectRetries(t *testing.T) {
	outcomes := newTestOutcomes(5, 1, 3)
	outcomes[4].Success = false
	outcomes[4].Missing = true

	l := New()
	assertNoError(t, l.Reset(outcomes))

	got := identities(l.SelectRetries(Selector{}))
	if strings.Join(got, ",") != "id-1,id-3" {
		t.Errorf("retries: got %v, want [id-1 id-3]", got)
	}

	got = identities(l.SelectRetries(Selector{IncludeMissing: true}))
	if strings.Join(got, ",") != "id-1,id-3,id-4" {
		t.Errorf("retries with missing: got %v", got)
	}
}

func TestSelectRetriesFilterAndMutator(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(4, 0, 1, 2)))

	retries := l.SelectRetries(Selector{
		Filter: func(o types.Outcome) bool { return o.Args["i"] != 2 },
		Mutator: func(o types.Outcome) types.Args {
			return o.Args.Merge(types.Args{"port": 23})
		},
	})

	if len(retries) != 2 {
		t.Fatalf("retries: got %d, want 2", len(retries))
	}
	for _, r := range retries {
		if r.Args["port"] != 23 {
			t.Errorf("%s: mutated args not applied: %v", r.Identity, r.Args)
		}
	}

	// Mutated args are visible on the master list
	o, _ := get(l, "id-0")
	if o.Args["port"] != 23 {
		t.Errorf("master args not updated: %v", o.Args)
	}
	// Filtered outcome keeps its args
	o, _ = get(l, "id-2")
	if _, exists := o.Args["port"]; exists {
		t.Errorf("filtered outcome mutated: %v", o.Args)
	}
}

func TestMerge(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(5, 1, 3)))
	before := 0
	for _, o := range l.Outcomes() {
		before = max(before, o.OutputOrder)
	}

	retries := l.SelectRetries(Selector{})
	pass := []types.Outcome{
		{InputOrder: 1, OutputOrder: 2, Identity: "p1", Args: retries[0].Args, Success: true, Result: "second"},
		{InputOrder: 2, OutputOrder: 1, Identity: "p2", Args: retries[1].Args, Success: true, Result: "second"},
	}
	assertNoError(t, l.Merge(1, retries, pass))

	for _, id := range []string{"id-1", "id-3"} {
		o, _ := get(l, id)
		if !o.Success || o.RetryCount != 1 || o.Result != "second" {
			t.Errorf("%s not merged: %+v", id, o)
		}
		if o.OutputOrder <= before {
			t.Errorf("%s output order %d not offset past %d", id, o.OutputOrder, before)
		}
	}

	// Untouched outcomes keep retry 0
	o, _ := get(l, "id-0")
	if o.RetryCount != 0 || o.Result != "first" {
		t.Errorf("id-0 changed: %+v", o)
	}

	if failed := countFailed(l.Outcomes()); failed != 0 {
		t.Errorf("failed after merge: got %d, want 0", failed)
	}
}

func TestMergeOutputOrdersUnique(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(4, 0, 1, 2, 3)))

	for round := 1; round <= 3; round++ {
		retries := l.SelectRetries(Selector{IncludeMissing: true})
		pass := make([]types.Outcome, len(retries))
		for i, r := range retries {
			pass[i] = types.Outcome{Identity: r.Identity, OutputOrder: i + 1, Args: r.Args, Missing: true}
		}
		assertNoError(t, l.Merge(round, retries, pass))
	}

	seen := make(map[int]bool)
	for _, o := range l.Outcomes() {
		if seen[o.OutputOrder] {
			t.Errorf("duplicate output order %d", o.OutputOrder)
		}
		seen[o.OutputOrder] = true
		if o.RetryCount != 3 || !o.Missing {
			t.Errorf("%s: got retry %d missing %v", o.Identity, o.RetryCount, o.Missing)
		}
	}
}

func TestMergeOnlyConsidersLastPass(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(3, 0, 1)))

	// Round 1 only retries id-0 (filter skips id-1); it still fails
	retries := l.SelectRetries(Selector{Filter: func(o types.Outcome) bool { return o.Identity == "id-0" }})
	pass := []types.Outcome{{OutputOrder: 1, Args: retries[0].Args, Result: "again"}}
	assertNoError(t, l.Merge(1, retries, pass))

	got := identities(l.SelectRetries(Selector{}))
	if strings.Join(got, ",") != "id-0" {
		t.Errorf("second round candidates: got %v, want [id-0]", got)
	}
}

func TestMergeErrors(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(2, 0)))

	retries := l.SelectRetries(Selector{})
	assertError(t, l.Merge(1, retries, nil), ErrLengthMismatch)
	assertError(t, l.Merge(1, []Retry{{Identity: "ghost"}}, []types.Outcome{{}}), ErrUnknownIdentity)
}

// ============================================================================
// Result File Tests
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	l := New()
	assertNoError(t, l.Reset(newTestOutcomes(3, 2)))

	data := l.Snapshot()
	if data.SchemaVer != SchemaVersion {
		t.Errorf("schema version: got %d", data.SchemaVer)
	}

	// Snapshot is a deep copy of args
	data.Outcomes[0].Args["i"] = 99
	o, _ := get(l, "id-0")
	if o.Args["i"] != 0 {
		t.Errorf("snapshot shares args with ledger")
	}

	restored := New()
	assertNoError(t, restored.Restore(data))
	if n := len(restored.Outcomes()); n != 3 {
		t.Errorf("restored len: got %d", n)
	}
	if failed := countFailed(restored.Outcomes()); failed != 1 {
		t.Errorf("restored failed: got %d, want 1", failed)
	}
}

func TestRestoreFillsIdentity(t *testing.T) {
	l := New()
	err := l.Restore(types.ResultFile{Outcomes: []types.Outcome{{Success: false}, {Success: true}}})
	assertNoError(t, err)

	o, ok := get(l, "restored-2")
	if !ok || o.InputOrder != 2 {
		t.Errorf("restored-2: got %+v, %v", o, ok)
	}
}
