package versioning

import (
	"testing"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

type recordedRepair struct {
	key    ids.Key
	reason string
}

func TestSlotAccept(testContext *testing.T) {
	testCases := []struct {
		name        string
		current     int32
		version     int32
		wantVerdict Verdict
		wantCurrent int32
	}{
		{name: "next version advances", current: 4, version: 5, wantVerdict: Accept, wantCurrent: 5},
		{name: "duplicate is idempotent", current: 4, version: 4, wantVerdict: Accept, wantCurrent: 4},
		{name: "older version is stale", current: 4, version: 3, wantVerdict: Stale, wantCurrent: 4},
		{name: "negative version is stale", current: 4, version: -2, wantVerdict: Stale, wantCurrent: 4},
		{name: "skipped version is a gap", current: 4, version: 6, wantVerdict: Gap, wantCurrent: 4},
		{name: "large jump is a gap", current: 4, version: 40, wantVerdict: Gap, wantCurrent: 4},
		{name: "unknown slot accepts zero", current: Unknown, version: 0, wantVerdict: Accept, wantCurrent: 0},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			slot := NewSlot(testCase.current)
			verdict := slot.Accept(testCase.version)
			if verdict != testCase.wantVerdict {
				t.Fatalf("expected %s, got %s", testCase.wantVerdict, verdict)
			}
			if slot.Current() != testCase.wantCurrent {
				t.Fatalf("expected current %d, got %d", testCase.wantCurrent, slot.Current())
			}
		})
	}
}

func TestSlotAcceptSnapshotAllowsGaps(testContext *testing.T) {
	slot := NewSlot(3)
	if verdict := slot.AcceptSnapshot(9); verdict != Accept {
		testContext.Fatalf("expected accept, got %s", verdict)
	}
	if slot.Current() != 9 {
		testContext.Fatalf("expected slot at 9, got %d", slot.Current())
	}
	if verdict := slot.AcceptSnapshot(8); verdict != Stale {
		testContext.Fatalf("expected stale, got %s", verdict)
	}
}

func TestTrackerSchedulesRepairOnGap(testContext *testing.T) {
	var repairs []recordedRepair
	tracker := NewTracker(RepairFunc(func(key ids.Key, reason string) {
		repairs = append(repairs, recordedRepair{key: key, reason: reason})
	}), nil)
	key := ids.ChatID(12).FullKey()
	slot := NewSlot(1)

	for _, version := range []int32{2, 3, 3} {
		if verdict := tracker.Observe(key, &slot, version, "test"); verdict != Accept {
			testContext.Fatalf("expected accept for version %d, got %s", version, verdict)
		}
	}
	if len(repairs) != 0 {
		testContext.Fatalf("expected no repairs for in-order delivery, got %d", len(repairs))
	}

	if verdict := tracker.Observe(key, &slot, 6, "test"); verdict != Gap {
		testContext.Fatalf("expected gap, got %s", verdict)
	}
	if len(repairs) != 1 || repairs[0].key != key {
		testContext.Fatalf("expected one repair for %v, got %+v", key, repairs)
	}
	if slot.Current() != 3 {
		testContext.Fatalf("gap must not advance the slot, got %d", slot.Current())
	}
}

func TestSpeculationCancelsRedundantRepairs(testContext *testing.T) {
	version := uint32(1)
	repairRequest := uint32(0)
	speculation := Speculation{Version: &version, RepairRequestVersion: &repairRequest}

	if !speculation.ShouldRepair() {
		testContext.Fatalf("expected first repair to be allowed")
	}
	speculation.MarkRepairRequested()
	if speculation.ShouldRepair() {
		testContext.Fatalf("expected repair at the same speculative version to be redundant")
	}
	speculation.Bump()
	if !speculation.ShouldRepair() {
		testContext.Fatalf("expected repair after a newer speculative change")
	}
}
