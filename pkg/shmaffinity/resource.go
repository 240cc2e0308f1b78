package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vorteil/gridutil/pkg/cpusocket"
	"github.com/vorteil/gridutil/pkg/numa"
)

// The resource graph shadows the ledger as Socket -> NumaNode -> Core
// and carries the selection weights. It is rebuilt from a ledger
// snapshot at the start of every allocation, always under the gate.

type resourceCore struct {
	coreID int
	used   bool
	pid    uint64
}

func (c *resourceCore) reset() {
	c.used = false
	c.pid = 0
}

type resourceNumaNode struct {
	nodeID int
	cores  []resourceCore
	weight int
}

type resourceSocket struct {
	socketID int
	nodes    []resourceNumaNode
	weight   int
}

type resourceControl struct {
	myPid    uint64
	table    CoreTable
	sockets  []resourceSocket
	coreByID map[int]*resourceCore
}

// socketNodeIDs returns the sorted NUMA node ids reachable from the
// socket's cpus.
func socketNodeIDs(socket *cpusocket.SocketInfo, numaUtil *numa.Util) []int {
	seen := make(map[int]bool)
	var out []int
	for _, cpuID := range socket.CPUIDs() {
		n := numaUtil.FindNodeByCPU(cpuID)
		if n == nil {
			continue
		}
		if !seen[n.NodeID()] {
			seen[n.NodeID()] = true
			out = append(out, n.NodeID())
		}
	}
	sort.Ints(out)
	return out
}

func newResourceControl(myPid uint64, cpuUtil *cpusocket.Util, numaUtil *numa.Util, table CoreTable) (*resourceControl, error) {

	if cpuUtil.TotalCores() != table.NumCores() {
		return nil, fmt.Errorf("%w: topology has %d cores, ledger has %d",
			ErrLedgerCorrupt, cpuUtil.TotalCores(), table.NumCores())
	}

	ctl := &resourceControl{
		myPid:    myPid,
		table:    table,
		coreByID: make(map[int]*resourceCore),
	}

	for socketID := 0; socketID < cpuUtil.TotalSockets(); socketID++ {
		socket := cpuUtil.Socket(socketID)
		rs := resourceSocket{socketID: socketID}
		for _, nodeID := range socketNodeIDs(socket, numaUtil) {
			node := numaUtil.Node(nodeID)
			rn := resourceNumaNode{nodeID: nodeID}
			for _, cpuID := range node.CPUIDs() {
				// A node can straddle sockets on some hosts; keep
				// only the cpus this socket owns.
				if socket.HasCPU(cpuID) {
					rn.cores = append(rn.cores, resourceCore{coreID: cpuID})
				}
			}
			rs.nodes = append(rs.nodes, rn)
		}
		ctl.sockets = append(ctl.sockets, rs)
	}

	for si := range ctl.sockets {
		for ni := range ctl.sockets[si].nodes {
			node := &ctl.sockets[si].nodes[ni]
			for ci := range node.cores {
				core := &node.cores[ci]
				if _, dup := ctl.coreByID[core.coreID]; dup {
					return nil, fmt.Errorf("shmaffinity: core %d mapped twice in resource graph", core.coreID)
				}
				ctl.coreByID[core.coreID] = core
			}
		}
	}
	return ctl, nil
}

// refresh overwrites the graph's occupancy from the current table
// content.
func (ctl *resourceControl) refresh() error {
	for coreID := 0; coreID < ctl.table.NumCores(); coreID++ {
		occupied, pid, err := ctl.table.CoreInfo(coreID)
		if err != nil {
			return err
		}
		core := ctl.coreByID[coreID]
		if core == nil {
			return fmt.Errorf("shmaffinity: ledger core %d missing from topology", coreID)
		}
		if occupied {
			core.used = true
			core.pid = pid
		} else {
			core.reset()
		}
	}
	return nil
}

func (ctl *resourceControl) availableCoreTotal() int {
	total := 0
	for si := range ctl.sockets {
		total += ctl.sockets[si].availableCoreTotal()
	}
	return total
}

func (s *resourceSocket) availableCoreTotal() int {
	total := 0
	for ni := range s.nodes {
		for ci := range s.nodes[ni].cores {
			if !s.nodes[ni].cores[ci].used {
				total++
			}
		}
	}
	return total
}

func (n *resourceNumaNode) availableCoreTotal() int {
	total := 0
	for ci := range n.cores {
		if !n.cores[ci].used {
			total++
		}
	}
	return total
}

// otherProcs counts distinct PIDs other than myPid on the occupied
// cores visited by walk, and whether myPid holds any of them.
func otherProcs(myPid uint64, walk func(fn func(core *resourceCore))) (total int, hasMyProc bool) {
	seen := make(map[uint64]bool)
	walk(func(core *resourceCore) {
		if !core.used {
			return
		}
		if core.pid == myPid {
			hasMyProc = true
			return
		}
		if !seen[core.pid] {
			seen[core.pid] = true
			total++
		}
	})
	return total, hasMyProc
}

func (n *resourceNumaNode) walkCores(fn func(core *resourceCore)) {
	for ci := range n.cores {
		fn(&n.cores[ci])
	}
}

func (s *resourceSocket) walkCores(fn func(core *resourceCore)) {
	for ni := range s.nodes {
		s.nodes[ni].walkCores(fn)
	}
}

func (ctl *resourceControl) walkCores(fn func(core *resourceCore)) {
	for si := range ctl.sockets {
		ctl.sockets[si].walkCores(fn)
	}
}

func (ctl *resourceControl) otherProcTotal() int {
	total, _ := otherProcs(ctl.myPid, ctl.walkCores)
	return total
}

// calcWeight applies the shared formula: fewer foreign tenants is
// better, a level already hosting my PID is boosted above every
// level that does not, and a level with no free core is ineligible.
func calcWeight(available, hostOtherTotal, otherTotal int, hasMyProc bool) int {
	if available == 0 {
		return -1
	}
	weight := hostOtherTotal - otherTotal
	if hasMyProc {
		weight += hostOtherTotal + 1
	}
	return weight
}

func (n *resourceNumaNode) calcSelectionWeight(myPid uint64, socketOtherTotal int) {
	otherTotal, hasMyProc := otherProcs(myPid, n.walkCores)
	n.weight = calcWeight(n.availableCoreTotal(), socketOtherTotal, otherTotal, hasMyProc)
}

func (s *resourceSocket) calcSelectionWeight(myPid uint64, hostOtherTotal int) {
	otherTotal, hasMyProc := otherProcs(myPid, s.walkCores)
	s.weight = calcWeight(s.availableCoreTotal(), hostOtherTotal, otherTotal, hasMyProc)
}

// singleCoreAllocation picks one core from the socket: node weights
// are recomputed over the current graph, the best node wins (ties to
// the lowest id), and the lowest-id free core of that node is taken.
func (s *resourceSocket) singleCoreAllocation(myPid uint64) (int, error) {

	socketOtherTotal, _ := otherProcs(myPid, s.walkCores)
	for ni := range s.nodes {
		s.nodes[ni].calcSelectionWeight(myPid, socketOtherTotal)
	}

	var node *resourceNumaNode
	for ni := range s.nodes {
		n := &s.nodes[ni]
		if n.weight < 0 {
			continue
		}
		if node == nil || n.weight > node.weight {
			node = n
		}
	}
	if node == nil {
		return -1, fmt.Errorf("shmaffinity: no free core left on socket %d", s.socketID)
	}

	for ci := range node.cores {
		core := &node.cores[ci]
		if !core.used {
			core.used = true
			core.pid = myPid
			return core.coreID, nil
		}
	}
	return -1, fmt.Errorf("shmaffinity: node %d weight promised a free core but none found", node.nodeID)
}

func (ctl *resourceControl) singleCoreAllocation() (int, error) {

	hostOtherTotal := ctl.otherProcTotal()
	for si := range ctl.sockets {
		ctl.sockets[si].calcSelectionWeight(ctl.myPid, hostOtherTotal)
	}

	var socket *resourceSocket
	for si := range ctl.sockets {
		s := &ctl.sockets[si]
		if s.weight < 0 {
			continue
		}
		if socket == nil || s.weight > socket.weight {
			socket = s
		}
	}
	if socket == nil {
		return -1, fmt.Errorf("shmaffinity: no free core left on any socket")
	}
	return socket.singleCoreAllocation(ctl.myPid)
}

// allocate picks n cores greedily, re-weighting after every pick.
// With verify set, every pick is cross-checked against all remaining
// free cores and allocation fails fast if a strictly better candidate
// exists.
func (ctl *resourceControl) allocate(n int, verify bool) ([]int, error) {

	if err := ctl.refresh(); err != nil {
		return nil, err
	}

	coreIDs := make([]int, 0, n)
	for i := 0; i < n; i++ {
		coreID, err := ctl.singleCoreAllocation()
		if err != nil {
			return nil, fmt.Errorf("shmaffinity: core allocation %d/%d: %v", i+1, n, err)
		}
		if verify {
			if err := ctl.verifyAllocation(coreID); err != nil {
				return nil, fmt.Errorf("shmaffinity: core allocation %d/%d: %v", i+1, n, err)
			}
		}
		coreIDs = append(coreIDs, coreID)
	}
	return coreIDs, nil
}

func (ctl *resourceControl) socketByCore(coreID int) *resourceSocket {
	for si := range ctl.sockets {
		for ni := range ctl.sockets[si].nodes {
			for ci := range ctl.sockets[si].nodes[ni].cores {
				if ctl.sockets[si].nodes[ni].cores[ci].coreID == coreID {
					return &ctl.sockets[si]
				}
			}
		}
	}
	return nil
}

func (ctl *resourceControl) nodeByCore(coreID int) *resourceNumaNode {
	for si := range ctl.sockets {
		for ni := range ctl.sockets[si].nodes {
			for ci := range ctl.sockets[si].nodes[ni].cores {
				if ctl.sockets[si].nodes[ni].cores[ci].coreID == coreID {
					return &ctl.sockets[si].nodes[ni]
				}
			}
		}
	}
	return nil
}

// coreCondition is a core's surroundings at both hierarchy levels.
type coreCondition struct {
	coreID         int
	sockMyProc     bool
	sockOtherTotal int
	nodeMyProc     bool
	nodeOtherTotal int
}

func (ctl *resourceControl) computeCoreCondition(coreID int) coreCondition {
	socket := ctl.socketByCore(coreID)
	node := ctl.nodeByCore(coreID)
	cond := coreCondition{coreID: coreID}
	cond.sockOtherTotal, cond.sockMyProc = otherProcs(ctl.myPid, socket.walkCores)
	cond.nodeOtherTotal, cond.nodeMyProc = otherProcs(ctl.myPid, node.walkCores)
	return cond
}

// betterThanTarget reports whether trial strictly beats target under
// the selection rules: the NUMA level decides first (a node hosting
// my PID beats one that does not; among equals, fewer foreign PIDs
// wins), then the socket level the same way, then the no-myProc
// socket and node foreign counts. Equal standing never beats.
func betterThanTarget(target, trial coreCondition) bool {

	if target.nodeMyProc {
		if !trial.nodeMyProc {
			return false
		}
		if trial.nodeOtherTotal < target.nodeOtherTotal {
			return true
		}
		return false
	}
	if trial.nodeMyProc {
		return true
	}

	if target.sockMyProc {
		if !trial.sockMyProc {
			return false
		}
		if trial.sockOtherTotal < target.sockOtherTotal {
			return true
		}
		return false
	}
	if trial.sockMyProc {
		return true
	}

	if trial.sockOtherTotal != target.sockOtherTotal {
		return trial.sockOtherTotal < target.sockOtherTotal
	}
	return trial.nodeOtherTotal < target.nodeOtherTotal
}

// verifyAllocation checks that no remaining free core strictly beats
// the chosen one.
func (ctl *resourceControl) verifyAllocation(targetCoreID int) error {

	target := ctl.computeCoreCondition(targetCoreID)

	var badCore int = -1
	ctl.walkCores(func(core *resourceCore) {
		if badCore >= 0 || core.used || core.coreID == targetCoreID {
			return
		}
		if betterThanTarget(target, ctl.computeCoreCondition(core.coreID)) {
			badCore = core.coreID
		}
	})
	if badCore >= 0 {
		return fmt.Errorf("core %d was chosen while core %d is strictly better", targetCoreID, badCore)
	}
	return nil
}

func (ctl *resourceControl) show() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ResourceControl (myPid:%d) {\n", ctl.myPid)
	for si := range ctl.sockets {
		s := &ctl.sockets[si]
		fmt.Fprintf(&sb, "  socket:%d weight:%d {\n", s.socketID, s.weight)
		for ni := range s.nodes {
			n := &s.nodes[ni]
			var used, free []int
			for ci := range n.cores {
				if n.cores[ci].used {
					used = append(used, n.cores[ci].coreID)
				} else {
					free = append(free, n.cores[ci].coreID)
				}
			}
			fmt.Fprintf(&sb, "    node:%d weight:%d free:%s used:%s\n",
				n.nodeID, n.weight, cpusocket.FormatIDSet(free), cpusocket.FormatIDSet(used))
		}
		sb.WriteString("  }\n")
	}
	sb.WriteString("}")
	return sb.String()
}
