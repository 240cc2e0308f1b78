package shmaffinity

import (
	"math/rand"
	"testing"

	"github.com/vorteil/gridutil/pkg/cpusocket"
	"github.com/vorteil/gridutil/pkg/numa"
)

func newTestControl(t *testing.T, mode string, pid uint64, ledger *Ledger) *resourceControl {
	t.Helper()

	cpuUtil, err := cpusocket.NewWithMode(mode)
	if err != nil {
		t.Fatal(err)
	}
	numaUtil, err := numa.NewWithMode(mode)
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := newResourceControl(pid, cpuUtil, numaUtil, ledger)
	if err != nil {
		t.Fatal(err)
	}
	return ctl
}

func commit(t *testing.T, ledger *Ledger, coreIDs []int, pid uint64) {
	t.Helper()
	for _, coreID := range coreIDs {
		occupied, ownerPid, err := ledger.CoreInfo(coreID)
		if err != nil {
			t.Fatal(err)
		}
		if occupied {
			t.Fatalf("core %d already owned by pid %d", coreID, ownerPid)
		}
		if err := ledger.SetCoreInfo(coreID, true, pid); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTwoPidsDisjoint(t *testing.T) {

	ledger := NewHeapLedger(96)
	ctlA := newTestControl(t, "tin", 1000, ledger)
	ctlB := newTestControl(t, "tin", 2000, ledger)

	idsA, err := ctlA.allocate(2, true)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, ledger, idsA, 1000)

	idsB, err := ctlB.allocate(2, true)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, ledger, idsB, 2000)

	overlap := make(map[int]bool)
	for _, id := range idsA {
		overlap[id] = true
	}
	for _, id := range idsB {
		if overlap[id] {
			t.Fatalf("core %d handed to both pids", id)
		}
	}
}

func TestPidAffinityBonus(t *testing.T) {

	// A second single-core acquire by the same pid stays on the NUMA
	// node chosen first, while its cores last.
	ledger := NewHeapLedger(96)
	ctl := newTestControl(t, "tin", 1000, ledger)

	first, err := ctl.allocate(1, true)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, ledger, first, 1000)

	second, err := ctl.allocate(1, true)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, ledger, second, 1000)

	node := ctl.nodeByCore(first[0])
	if node == nil || !nodeHasCore(node, second[0]) {
		t.Errorf("second core %d not on first core %d's node", second[0], first[0])
	}
}

func nodeHasCore(node *resourceNumaNode, coreID int) bool {
	for ci := range node.cores {
		if node.cores[ci].coreID == coreID {
			return true
		}
	}
	return false
}

func TestForeignTenantAvoidance(t *testing.T) {

	// Pid 1000 camps on socket 0; a newcomer must land on socket 1.
	ledger := NewHeapLedger(96)
	cpuUtil, err := cpusocket.NewWithMode("tin")
	if err != nil {
		t.Fatal(err)
	}
	for _, coreID := range cpuUtil.Socket(0).CPUIDs()[:8] {
		ledger.SetCoreInfo(coreID, true, 1000)
	}

	ctl := newTestControl(t, "tin", 2000, ledger)
	ids, err := ctl.allocate(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if s := cpuUtil.FindSocketByCPU(ids[0]); s.SocketID() != 1 {
		t.Errorf("newcomer placed on socket %d next to the tenant, want socket 1", s.SocketID())
	}
}

func TestAllocationSafetyInvariant(t *testing.T) {

	// Random interleaved acquires from several pids: occupancy never
	// exceeds the core count and no core ever has two owners.
	const numCores = 384
	ledger := NewHeapLedger(numCores)

	pids := []uint64{1000, 2000, 3000, 4000}
	ctls := make(map[uint64]*resourceControl)
	for _, pid := range pids {
		ctls[pid] = newTestControl(t, "ag", pid, ledger)
	}

	rng := rand.New(rand.NewSource(17))
	allocated := 0
	owner := make(map[int]uint64)
	for allocated < numCores {
		pid := pids[rng.Intn(len(pids))]
		ctl := ctls[pid]

		if err := ctl.refresh(); err != nil {
			t.Fatal(err)
		}
		avail := ctl.availableCoreTotal()
		if avail == 0 {
			break
		}
		n := 1 + rng.Intn(8)
		if n > avail {
			n = avail
		}

		ids, err := ctl.allocate(n, true)
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range ids {
			if prev, taken := owner[id]; taken {
				t.Fatalf("core %d owned by pid %d and handed to pid %d", id, prev, pid)
			}
			owner[id] = pid
		}
		commit(t, ledger, ids, pid)
		allocated += len(ids)
	}

	if allocated != numCores {
		t.Fatalf("allocated %d cores of %d before running dry", allocated, numCores)
	}
}

func TestBetterThanTargetRules(t *testing.T) {

	cases := []struct {
		name   string
		target coreCondition
		trial  coreCondition
		want   bool
	}{
		{
			name:   "trial node hosts my pid, target's does not",
			target: coreCondition{nodeMyProc: false},
			trial:  coreCondition{nodeMyProc: true},
			want:   true,
		},
		{
			name:   "both nodes host my pid, trial has fewer tenants",
			target: coreCondition{nodeMyProc: true, nodeOtherTotal: 2},
			trial:  coreCondition{nodeMyProc: true, nodeOtherTotal: 1},
			want:   true,
		},
		{
			name:   "both nodes host my pid, equal tenants is acceptable",
			target: coreCondition{nodeMyProc: true, nodeOtherTotal: 2},
			trial:  coreCondition{nodeMyProc: true, nodeOtherTotal: 2},
			want:   false,
		},
		{
			name:   "target node hosts my pid, trial does not",
			target: coreCondition{nodeMyProc: true, nodeOtherTotal: 9},
			trial:  coreCondition{nodeMyProc: false},
			want:   false,
		},
		{
			name:   "no node affinity, trial socket hosts my pid",
			target: coreCondition{sockMyProc: false},
			trial:  coreCondition{sockMyProc: true},
			want:   true,
		},
		{
			name:   "no affinity anywhere, trial socket has fewer tenants",
			target: coreCondition{sockOtherTotal: 3, nodeOtherTotal: 0},
			trial:  coreCondition{sockOtherTotal: 1, nodeOtherTotal: 5},
			want:   true,
		},
		{
			name:   "equal sockets, trial node has fewer tenants",
			target: coreCondition{sockOtherTotal: 2, nodeOtherTotal: 2},
			trial:  coreCondition{sockOtherTotal: 2, nodeOtherTotal: 1},
			want:   true,
		},
		{
			name:   "full tie",
			target: coreCondition{sockOtherTotal: 2, nodeOtherTotal: 2},
			trial:  coreCondition{sockOtherTotal: 2, nodeOtherTotal: 2},
			want:   false,
		},
	}

	for _, c := range cases {
		if got := betterThanTarget(c.target, c.trial); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
