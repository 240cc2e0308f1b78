package numa

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/vorteil/gridutil/pkg/cpusocket"
)

// ErrTopologyUnknown reports an unsupported emulation profile name.
var ErrTopologyUnknown = errors.New("numa: unknown topology profile")

// sysNodePath is swapped out by tests.
var sysNodePath = "/sys/devices/system/node"

// Node holds one NUMA node's cpu list, memory size, and distance
// vector, and provides node-bound memory arenas.
type Node struct {
	nodeID     int
	totalNodes int
	memSize    uint64
	pageSize   int
	cpuIDs     []int // sorted ascending
	distance   []int // one entry per node on the host
}

func (n *Node) NodeID() int      { return n.nodeID }
func (n *Node) MemSize() uint64  { return n.memSize }
func (n *Node) CPUIDs() []int    { return n.cpuIDs }
func (n *Node) Distance() []int  { return n.distance }
func (n *Node) TotalCores() int  { return len(n.cpuIDs) }

func (n *Node) HasCPU(cpuID int) bool {
	i := sort.SearchInts(n.cpuIDs, cpuID)
	return i < len(n.cpuIDs) && n.cpuIDs[i] == cpuID
}

// AlignmentSizeCheck reports whether an arena returned by Alloc can
// be used at the given alignment. Arenas are mmap-backed and page
// aligned.
func (n *Node) AlignmentSizeCheck(alignment int) bool {
	if alignment <= 0 {
		return false
	}
	return n.pageSize%alignment == 0
}

func (n *Node) Show() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "NumaNode {\n")
	fmt.Fprintf(&sb, "  nodeId:%d\n", n.nodeID)
	fmt.Fprintf(&sb, "  memSize:%d\n", n.memSize)
	fmt.Fprintf(&sb, "  cpu:%s\n", cpusocket.FormatIDSet(n.cpuIDs))
	fmt.Fprintf(&sb, "  distance:%v\n", n.distance)
	sb.WriteString("}")
	return sb.String()
}

// Util holds every NUMA node of the host or of an emulation profile.
type Util struct {
	nodes []Node
}

// New probes the local host.
func New() (*Util, error) {
	return NewWithMode("localhost")
}

// NewWithMode builds node tables for "localhost" or one of the
// emulation profiles "ag", "tin", "cobalt".
func NewWithMode(mode string) (*Util, error) {

	nodeIDs, err := nodeIDTbl(mode)
	if err != nil {
		return nil, err
	}
	if len(nodeIDs) == 0 {
		return nil, errors.New("numa: no online nodes found")
	}

	u := &Util{nodes: make([]Node, 0, len(nodeIDs))}
	for _, nodeID := range nodeIDs {
		cpuIDs, err := nodeCPUIDTbl(mode, nodeID)
		if err != nil {
			return nil, err
		}
		memSize, err := nodeMemSize(mode, nodeID)
		if err != nil {
			return nil, err
		}
		distance, err := nodeDistance(mode, nodeID)
		if err != nil {
			return nil, err
		}
		u.nodes = append(u.nodes, Node{
			nodeID:     nodeID,
			totalNodes: len(nodeIDs),
			memSize:    memSize,
			pageSize:   os.Getpagesize(),
			cpuIDs:     cpuIDs,
			distance:   distance,
		})
	}

	if err := u.verify(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Util) verify() error {
	seen := make(map[int]bool)
	for i := range u.nodes {
		n := &u.nodes[i]
		for _, cpuID := range n.cpuIDs {
			if seen[cpuID] {
				return fmt.Errorf("numa: cpu %d appears in more than one node", cpuID)
			}
			seen[cpuID] = true
		}
		if len(n.distance) != len(u.nodes) {
			return fmt.Errorf("numa: node %d distance vector has %d entries, want %d",
				n.nodeID, len(n.distance), len(u.nodes))
		}
		self := n.distance[i]
		for _, d := range n.distance {
			if d < self {
				return fmt.Errorf("numa: node %d self distance %d is not row minimum", n.nodeID, self)
			}
		}
	}
	return nil
}

func (u *Util) TotalNodes() int { return len(u.nodes) }

func (u *Util) Node(nodeID int) *Node {
	for i := range u.nodes {
		if u.nodes[i].nodeID == nodeID {
			return &u.nodes[i]
		}
	}
	return nil
}

// FindNodeByCPU returns the node owning cpuID, or nil.
func (u *Util) FindNodeByCPU(cpuID int) *Node {
	for i := range u.nodes {
		if u.nodes[i].HasCPU(cpuID) {
			return &u.nodes[i]
		}
	}
	return nil
}

// ActiveNodeIDsByCPUIDs returns the sorted node ids hosting any of
// the given cpus.
func (u *Util) ActiveNodeIDsByCPUIDs(cpuIDs []int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, cpuID := range cpuIDs {
		if n := u.FindNodeByCPU(cpuID); n != nil && !seen[n.nodeID] {
			seen[n.nodeID] = true
			out = append(out, n.nodeID)
		}
	}
	sort.Ints(out)
	return out
}

func (u *Util) Show() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "NumaUtil (nodes:%d) {\n", len(u.nodes))
	for i := range u.nodes {
		n := &u.nodes[i]
		fmt.Fprintf(&sb, "  node:%d mem:%d cpu:%s distance:%v\n",
			n.nodeID, n.memSize, cpusocket.FormatIDSet(n.cpuIDs), n.distance)
	}
	sb.WriteString("}")
	return sb.String()
}

//------------------------------------------------------------------------------
// localhost probing
//------------------------------------------------------------------------------

func readSingleLine(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	return strings.TrimSpace(line), nil
}

func localhostNodeIDTbl() ([]int, error) {
	line, err := readSingleLine(sysNodePath + "/online")
	if err != nil {
		return nil, fmt.Errorf("numa: %v", err)
	}
	return cpusocket.ParseIDSet(line)
}

func localhostNodeCPUIDTbl(nodeID int) ([]int, error) {
	line, err := readSingleLine(fmt.Sprintf("%s/node%d/cpulist", sysNodePath, nodeID))
	if err != nil {
		return nil, fmt.Errorf("numa: %v", err)
	}
	return cpusocket.ParseIDSet(line)
}

// localhostNodeMemSize scans nodeN/meminfo for the MemTotal row,
// reported in kB.
func localhostNodeMemSize(nodeID int) (uint64, error) {
	data, err := ioutil.ReadFile(fmt.Sprintf("%s/node%d/meminfo", sysNodePath, nodeID))
	if err != nil {
		return 0, fmt.Errorf("numa: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "MemTotal:" && i+1 < len(fields) {
				kb, err := strconv.ParseUint(fields[i+1], 10, 64)
				if err != nil {
					return 0, fmt.Errorf("numa: bad MemTotal in node%d meminfo", nodeID)
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, fmt.Errorf("numa: no MemTotal in node%d meminfo", nodeID)
}

func localhostNodeDistance(nodeID int) ([]int, error) {
	line, err := readSingleLine(fmt.Sprintf("%s/node%d/distance", sysNodePath, nodeID))
	if err != nil {
		return nil, fmt.Errorf("numa: %v", err)
	}
	var out []int
	for _, f := range strings.Fields(line) {
		d, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("numa: bad distance row for node%d", nodeID)
		}
		out = append(out, d)
	}
	return out, nil
}

//------------------------------------------------------------------------------
// emulation profiles
//------------------------------------------------------------------------------

func nodeIDTbl(mode string) ([]int, error) {
	seq := func(total int) []int {
		tbl := make([]int, total)
		for i := range tbl {
			tbl[i] = i
		}
		return tbl
	}
	switch mode {
	case "localhost":
		return localhostNodeIDTbl()
	case "ag":
		return seq(8), nil
	case "tin":
		return seq(2), nil
	case "cobalt":
		return seq(1), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrTopologyUnknown, mode)
}

var emulatedCPUTbl = map[string][]string{
	"ag": {
		"0-23,192-215", "24-47,216-239", "48-71,240-263", "72-95,264-287",
		"96-119,288-311", "120-143,312-335", "144-167,336-359", "168-191,360-383",
	},
	"tin":    {"0-23,48-71", "24-47,72-95"},
	"cobalt": {"0-127"},
}

var emulatedMemSize = map[string][]uint64{
	"ag": {
		100589060096, 101455962112, 101455966208, 101455962112,
		101455966208, 101455962112, 101455966208, 101335265280,
	},
	"tin":    {99433930752, 101452263424},
	"cobalt": {269522509824},
}

var emulatedDistance = map[string][][]int{
	"ag": {
		{10, 12, 12, 12, 32, 32, 32, 32},
		{12, 10, 12, 12, 32, 32, 32, 32},
		{12, 12, 10, 12, 32, 32, 32, 32},
		{12, 12, 12, 10, 32, 32, 32, 32},
		{32, 32, 32, 32, 10, 12, 12, 12},
		{32, 32, 32, 32, 12, 10, 12, 12},
		{32, 32, 32, 32, 12, 12, 10, 12},
		{32, 32, 32, 32, 12, 12, 12, 10},
	},
	"tin":    {{10, 21}, {21, 10}},
	"cobalt": {{10}},
}

func nodeCPUIDTbl(mode string, nodeID int) ([]int, error) {
	if mode == "localhost" {
		return localhostNodeCPUIDTbl(nodeID)
	}
	tbl, ok := emulatedCPUTbl[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTopologyUnknown, mode)
	}
	if nodeID >= len(tbl) {
		return nil, fmt.Errorf("numa: node %d out of range for profile %q", nodeID, mode)
	}
	return cpusocket.ParseIDSet(tbl[nodeID])
}

func nodeMemSize(mode string, nodeID int) (uint64, error) {
	if mode == "localhost" {
		return localhostNodeMemSize(nodeID)
	}
	tbl, ok := emulatedMemSize[mode]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTopologyUnknown, mode)
	}
	if nodeID >= len(tbl) {
		return 0, fmt.Errorf("numa: node %d out of range for profile %q", nodeID, mode)
	}
	return tbl[nodeID], nil
}

func nodeDistance(mode string, nodeID int) ([]int, error) {
	if mode == "localhost" {
		return localhostNodeDistance(nodeID)
	}
	tbl, ok := emulatedDistance[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTopologyUnknown, mode)
	}
	if nodeID >= len(tbl) {
		return nil, fmt.Errorf("numa: node %d out of range for profile %q", nodeID, mode)
	}
	return tbl[nodeID], nil
}
