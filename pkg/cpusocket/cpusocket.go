package cpusocket

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// ErrTopologyUnknown reports an unsupported emulation profile name.
var ErrTopologyUnknown = errors.New("cpusocket: unknown topology profile")

// procCPUInfoPath is swapped out by tests.
var procCPUInfoPath = "/proc/cpuinfo"

// SocketInfo is the cpu id list of one physical CPU package.
type SocketInfo struct {
	socketID int
	cpuIDs   []int // sorted ascending
}

func (s *SocketInfo) SocketID() int  { return s.socketID }
func (s *SocketInfo) TotalCores() int { return len(s.cpuIDs) }
func (s *SocketInfo) CPUIDs() []int  { return s.cpuIDs }

func (s *SocketInfo) HasCPU(cpuID int) bool {
	i := sort.SearchInts(s.cpuIDs, cpuID)
	return i < len(s.cpuIDs) && s.cpuIDs[i] == cpuID
}

// Util maps cpu ids to sockets for the local host or for one of the
// deterministic emulation profiles used in testing: "ag" (dual-socket
// 384-way), "tin" (dual-socket 96-way), "cobalt" (single-socket
// 128-way). Socket ids are dense from zero and every cpu belongs to
// exactly one socket.
type Util struct {
	sockets []SocketInfo // indexed by socketID
}

// New probes the local host.
func New() (*Util, error) {
	return NewWithMode("localhost")
}

// NewWithMode builds topology for "localhost" or an emulation profile.
func NewWithMode(mode string) (*Util, error) {
	u := new(Util)
	if err := u.Reset(mode); err != nil {
		return nil, err
	}
	return u, nil
}

// Reset rebuilds the socket tables for the given mode.
func (u *Util) Reset(mode string) error {

	var cpuIDs, socketIDs []int
	var err error
	if mode == "localhost" {
		cpuIDs, socketIDs, err = localhostCPUInfo()
	} else {
		cpuIDs, socketIDs, err = emulatedCPUInfo(mode)
	}
	if err != nil {
		return err
	}

	maxSocket := 0
	for _, id := range socketIDs {
		if id > maxSocket {
			maxSocket = id
		}
	}
	sockets := make([]SocketInfo, maxSocket+1)
	for i := range sockets {
		sockets[i].socketID = i
	}
	for i, cpuID := range cpuIDs {
		s := &sockets[socketIDs[i]]
		s.cpuIDs = append(s.cpuIDs, cpuID)
	}
	for i := range sockets {
		sort.Ints(sockets[i].cpuIDs)
	}

	u.sockets = sockets
	return u.verify()
}

func (u *Util) verify() error {
	seen := make(map[int]bool)
	for _, s := range u.sockets {
		for _, cpuID := range s.cpuIDs {
			if seen[cpuID] {
				return fmt.Errorf("cpusocket: cpu %d appears in more than one socket", cpuID)
			}
			seen[cpuID] = true
		}
	}
	if len(seen) == 0 {
		return errors.New("cpusocket: no cpus found")
	}
	return nil
}

func (u *Util) TotalSockets() int { return len(u.sockets) }

func (u *Util) TotalCores() int {
	total := 0
	for _, s := range u.sockets {
		total += len(s.cpuIDs)
	}
	return total
}

func (u *Util) MaxSocketID() int { return len(u.sockets) - 1 }

func (u *Util) Socket(socketID int) *SocketInfo {
	if socketID < 0 || socketID >= len(u.sockets) {
		return nil
	}
	return &u.sockets[socketID]
}

// FindSocketByCPU returns the socket owning cpuID, or nil.
func (u *Util) FindSocketByCPU(cpuID int) *SocketInfo {
	for i := range u.sockets {
		if u.sockets[i].HasCPU(cpuID) {
			return &u.sockets[i]
		}
	}
	return nil
}

// SocketIDSetToCPUIDs expands a socket id-set string into the sorted
// cpu ids of those sockets.
func (u *Util) SocketIDSetToCPUIDs(def string) ([]int, error) {
	socketIDs, err := ParseIDSet(def)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, socketID := range socketIDs {
		s := u.Socket(socketID)
		if s == nil {
			return nil, fmt.Errorf("cpusocket: socket %d is out of range (0-%d)", socketID, u.MaxSocketID())
		}
		out = append(out, s.cpuIDs...)
	}
	sort.Ints(out)
	return out, nil
}

// CPUIDSetToCPUIDs parses a cpu id-set string and drops ids beyond
// the host's cpu count.
func CPUIDSetToCPUIDs(def string) ([]int, error) {
	ids, err := ParseIDSet(def)
	if err != nil {
		return nil, err
	}
	total := runtime.NumCPU()
	out := ids[:0]
	for _, id := range ids {
		if id < total {
			out = append(out, id)
		}
	}
	return out, nil
}

func (u *Util) Show() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CpuSocketUtil (sockets:%d cores:%d) {\n", u.TotalSockets(), u.TotalCores())
	for i := range u.sockets {
		s := &u.sockets[i]
		fmt.Fprintf(&sb, "  socket:%d cores:%d cpu:%s\n", s.socketID, len(s.cpuIDs), FormatIDSet(s.cpuIDs))
	}
	sb.WriteString("}")
	return sb.String()
}

// localhostCPUInfo scans /proc/cpuinfo for processor / physical id
// pairs. Hosts that do not report a physical id fall back to socket
// zero.
func localhostCPUInfo() (cpuIDs, socketIDs []int, err error) {

	f, err := os.Open(procCPUInfoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cpusocket: %v", err)
	}
	defer f.Close()

	currCPU := -1
	currSocket := 0
	flush := func() {
		if currCPU >= 0 {
			cpuIDs = append(cpuIDs, currCPU)
			socketIDs = append(socketIDs, currSocket)
		}
		currCPU = -1
		currSocket = 0
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "processor":
			if id, err := strconv.Atoi(value); err == nil {
				currCPU = id
			}
		case "physical id":
			if id, err := strconv.Atoi(value); err == nil {
				currSocket = id
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("cpusocket: %v", err)
	}
	return cpuIDs, socketIDs, nil
}

func emulatedCPUInfo(mode string) (cpuIDs, socketIDs []int, err error) {

	fill := func(tbl []int, start, end, v int) {
		for i := start; i <= end; i++ {
			tbl[i] = v
		}
	}
	seq := func(total int) []int {
		tbl := make([]int, total)
		for i := range tbl {
			tbl[i] = i
		}
		return tbl
	}

	switch mode {
	case "ag":
		cpuIDs = seq(384)
		socketIDs = make([]int, 384)
		fill(socketIDs, 0, 95, 0)
		fill(socketIDs, 96, 191, 1)
		fill(socketIDs, 192, 287, 0)
		fill(socketIDs, 288, 383, 1)
	case "tin":
		cpuIDs = seq(96)
		socketIDs = make([]int, 96)
		fill(socketIDs, 0, 23, 0)
		fill(socketIDs, 24, 47, 1)
		fill(socketIDs, 48, 71, 0)
		fill(socketIDs, 72, 95, 1)
	case "cobalt":
		cpuIDs = seq(128)
		socketIDs = make([]int, 128)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrTopologyUnknown, mode)
	}
	return cpuIDs, socketIDs, nil
}
