package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/vorteil/gridutil/pkg/cpusocket"
	"github.com/vorteil/gridutil/pkg/numa"
)

// The ledger is a fixed-layout region, usually shared memory. Fields
// never move; new fields may only ever be appended so that older
// binaries keep reading the same offsets.
//
//   offset  0 : headMessage, NUL-padded ASCII          (32 bytes)
//   offset 32 : shmDataSize, u64                        (8 bytes)
//   offset 40 : semInitHash, SHA-1                     (20 bytes)
//   offset 60 : numCores, u32                           (4 bytes)
//   offset 64 : record[0]                              (16 bytes)
//               +0 occupied, u8 padded to 8 bytes
//               +8 ownerPid, u64
//   record i at 64 + 16*i

const (
	headMessage = "affinityInfo"

	headMessageSize = 32
	hashSize        = sha1.Size

	offsetHeadMessage = 0
	offsetShmDataSize = offsetHeadMessage + headMessageSize
	offsetSemInitHash = offsetShmDataSize + 8
	offsetNumCores    = offsetSemInitHash + hashSize
	offsetCoreInfo    = offsetNumCores + 4

	coreRecordSize        = 16
	coreRecordOffOccupied = 0
	coreRecordOffPid      = 8
)

// LedgerSize returns the full region size for a host with numCores
// physical cores.
func LedgerSize(numCores int) int {
	return offsetCoreInfo + coreRecordSize*numCores
}

// CoreTable is the read surface the resource selector works against.
type CoreTable interface {
	NumCores() int
	CoreInfo(coreID int) (occupied bool, pid uint64, err error)
}

// Ledger gives typed access to a ledger region. All writes are
// in-place; the region may be SysV shared memory or plain heap (used
// by tests and by selector verification).
type Ledger struct {
	data []byte
}

// NewLedger wraps an existing region. With doInit the header and all
// records are initialized in place; otherwise the head message and
// stored size are verified against the region.
func NewLedger(data []byte, initHash [hashSize]byte, numCores int, doInit bool) (*Ledger, error) {

	if len(data) != LedgerSize(numCores) {
		return nil, fmt.Errorf("%w: region is %d bytes, want %d for %d cores",
			ErrLedgerCorrupt, len(data), LedgerSize(numCores), numCores)
	}

	l := &Ledger{data: data}
	if doInit {
		l.setHeadMessage(headMessage)
		l.setShmDataSize(uint64(len(data)))
		l.SetSemInitHash(initHash)
		l.setNumCores(uint32(numCores))
		l.InitCoreInfoTable()
		return l, nil
	}

	if l.HeadMessage() != headMessage {
		return nil, fmt.Errorf("%w: head message %q", ErrLedgerCorrupt, l.HeadMessage())
	}
	if l.ShmDataSize() != uint64(len(data)) {
		return nil, fmt.Errorf("%w: stored size %d, region size %d",
			ErrLedgerCorrupt, l.ShmDataSize(), len(data))
	}
	if int(l.numCoresRaw()) != numCores {
		return nil, fmt.Errorf("%w: stored cores %d, host cores %d",
			ErrLedgerCorrupt, l.numCoresRaw(), numCores)
	}
	return l, nil
}

// NewHeapLedger builds an initialized ledger over plain memory.
func NewHeapLedger(numCores int) *Ledger {
	l, err := NewLedger(make([]byte, LedgerSize(numCores)), [hashSize]byte{}, numCores, true)
	if err != nil {
		panic(err) // sizes are self-consistent by construction
	}
	return l
}

func (l *Ledger) setHeadMessage(msg string) {
	field := l.data[offsetHeadMessage : offsetHeadMessage+headMessageSize]
	for i := range field {
		field[i] = 0
	}
	copy(field, msg)
}

func (l *Ledger) HeadMessage() string {
	field := l.data[offsetHeadMessage : offsetHeadMessage+headMessageSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func (l *Ledger) setShmDataSize(size uint64) {
	binary.LittleEndian.PutUint64(l.data[offsetShmDataSize:], size)
}

func (l *Ledger) ShmDataSize() uint64 {
	return binary.LittleEndian.Uint64(l.data[offsetShmDataSize:])
}

func (l *Ledger) SetSemInitHash(hash [hashSize]byte) {
	copy(l.data[offsetSemInitHash:offsetSemInitHash+hashSize], hash[:])
}

func (l *Ledger) SemInitHash() [hashSize]byte {
	var hash [hashSize]byte
	copy(hash[:], l.data[offsetSemInitHash:])
	return hash
}

func (l *Ledger) setNumCores(n uint32) {
	binary.LittleEndian.PutUint32(l.data[offsetNumCores:], n)
}

func (l *Ledger) numCoresRaw() uint32 {
	return binary.LittleEndian.Uint32(l.data[offsetNumCores:])
}

func (l *Ledger) NumCores() int {
	return int(l.numCoresRaw())
}

func (l *Ledger) coreOffset(coreID int) int {
	return offsetCoreInfo + coreRecordSize*coreID
}

func (l *Ledger) checkCoreID(coreID int) error {
	if coreID < 0 || coreID >= l.NumCores() {
		return fmt.Errorf("shmaffinity: core id %d out of range (0-%d)", coreID, l.NumCores()-1)
	}
	return nil
}

// CoreInfo reads one record. Reads outside [0, numCores) fail.
func (l *Ledger) CoreInfo(coreID int) (bool, uint64, error) {
	if err := l.checkCoreID(coreID); err != nil {
		return false, 0, err
	}
	off := l.coreOffset(coreID)
	occupied := l.data[off+coreRecordOffOccupied] != 0
	pid := binary.LittleEndian.Uint64(l.data[off+coreRecordOffPid:])
	return occupied, pid, nil
}

// SetCoreInfo writes one record in place.
func (l *Ledger) SetCoreInfo(coreID int, occupied bool, pid uint64) error {
	if err := l.checkCoreID(coreID); err != nil {
		return err
	}
	off := l.coreOffset(coreID)
	var b byte
	if occupied {
		b = 1
	}
	l.data[off+coreRecordOffOccupied] = b
	binary.LittleEndian.PutUint64(l.data[off+coreRecordOffPid:], pid)
	return nil
}

// InitCoreInfoTable marks every core free with no owner.
func (l *Ledger) InitCoreInfoTable() {
	for coreID := 0; coreID < l.NumCores(); coreID++ {
		l.SetCoreInfo(coreID, false, 0)
	}
}

// Show dumps the header and the core table. Diagnostic only; callers
// may run it without the gate and accept torn reads.
func (l *Ledger) Show(numaUtil *numa.Util, cpuUtil *cpusocket.Util) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger {\n")
	fmt.Fprintf(&sb, "  headMessage:%q\n", l.HeadMessage())
	fmt.Fprintf(&sb, "  shmDataSize:%d\n", l.ShmDataSize())
	fmt.Fprintf(&sb, "  semInitHash:%x\n", l.SemInitHash())
	fmt.Fprintf(&sb, "  numCores:%d\n", l.NumCores())
	for coreID := 0; coreID < l.NumCores(); coreID++ {
		occupied, pid, _ := l.CoreInfo(coreID)
		fmt.Fprintf(&sb, "  core:%d", coreID)
		if numaUtil != nil {
			if n := numaUtil.FindNodeByCPU(coreID); n != nil {
				fmt.Fprintf(&sb, " node:%d", n.NodeID())
			}
		}
		if cpuUtil != nil {
			if s := cpuUtil.FindSocketByCPU(coreID); s != nil {
				fmt.Fprintf(&sb, " socket:%d", s.SocketID())
			}
		}
		if occupied {
			fmt.Fprintf(&sb, " pid:%d\n", pid)
		} else {
			sb.WriteString(" free\n")
		}
	}
	sb.WriteString("}")
	return sb.String()
}
