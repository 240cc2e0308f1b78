package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vorteil/gridutil/pkg/cpusocket"
	"github.com/vorteil/gridutil/pkg/elog"
	"github.com/vorteil/gridutil/pkg/numa"
)

const (
	// openTimeoutSec bounds each attach-or-init attempt; openRetry
	// bounds the attempts. Both are hard.
	openTimeoutSec = 10.0
	openRetry      = 3

	initHashPollInterval = 50 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	// TestMode switches to separate semaphore and shared-memory keys
	// so tests never disturb a production ledger.
	TestMode bool

	// Mode selects the topology: "" or "localhost" probes the host;
	// "ag", "tin", "cobalt" are deterministic emulation profiles.
	Mode string

	// Verify cross-checks every allocated core against all remaining
	// candidates and fails the acquire on any violation.
	Verify bool

	// Pid overrides the caller's process id. Tests only.
	Pid uint64

	Log elog.Logger
}

// Manager is the process-facing face of the arbitrator: it attaches
// to (or initializes) the shared ledger, runs the gate around every
// mutating sequence, and hands out compact core-id strings.
type Manager struct {
	testMode bool
	verify   bool
	mode     string
	myPid    uint64
	log      elog.Logger

	gate   *Gate
	region *shmRegion
	ledger *Ledger

	cpuUtil  *cpusocket.Util
	numaUtil *numa.Util
	ctl      *resourceControl
}

// NewManager probes the topology and attaches to the ledger,
// initializing it when this process is first. Recoverable races are
// retried silently up to the retry budget.
func NewManager(opt Options) (*Manager, error) {

	mode := opt.Mode
	if mode == "" {
		mode = "localhost"
	}
	log := opt.Log
	if log == nil {
		log = &elog.NilView{}
	}
	myPid := opt.Pid
	if myPid == 0 {
		myPid = uint64(os.Getpid())
	}

	cpuUtil, err := cpusocket.NewWithMode(mode)
	if err != nil {
		return nil, err
	}
	numaUtil, err := numa.NewWithMode(mode)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		testMode: opt.TestMode,
		verify:   opt.Verify,
		mode:     mode,
		myPid:    myPid,
		log:      log,
		cpuUtil:  cpuUtil,
		numaUtil: numaUtil,
	}

	var lastErr error
	for attempt := 1; attempt <= openRetry; attempt++ {
		lastErr = m.open()
		if lastErr == nil {
			m.ctl, lastErr = newResourceControl(m.myPid, m.cpuUtil, m.numaUtil, m.ledger)
			if lastErr == nil {
				return m, nil
			}
		}
		if !errors.Is(lastErr, ErrSemaphoreRace) {
			return nil, lastErr
		}
		// A crashed creator left the semaphore without publishing the
		// init hash. Tear it down and start over.
		log.Warnf("shmaffinity: open attempt %d/%d failed (%v), removing stale semaphore", attempt, openRetry, lastErr)
		if m.gate != nil {
			if rmErr := m.gate.Remove(); rmErr != nil {
				log.Warnf("shmaffinity: stale semaphore removal: %v", rmErr)
			}
		}
		m.detach()
	}
	return nil, lastErr
}

// open runs one attach-or-init attempt.
func (m *Manager) open() error {

	gate, created, err := OpenGate(m.testMode)
	if err != nil {
		return err
	}
	m.gate = gate

	numCores := m.cpuUtil.TotalCores()
	region, existed, err := createOrAttachShm(m.testMode, LedgerSize(numCores))
	if err != nil {
		return err
	}
	m.region = region

	if created {
		// This process made the semaphore: initialize under the gate
		// and publish the init hash last so waiters can trust
		// everything before it. A surviving ledger from a previous
		// semaphore generation keeps its records and only gets the
		// new hash.
		locked, err := m.gate.Lock(openTimeoutSec)
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("%w: gate held during fresh init", ErrTimeout)
		}
		defer m.gate.Unlock()

		probe := Ledger{data: region.data}
		reuse := existed &&
			probe.HeadMessage() == headMessage &&
			probe.ShmDataSize() == uint64(len(region.data))

		var ledger *Ledger
		if reuse {
			probe.SetSemInitHash(GateInitHash(m.gate.ID()))
			ledger, err = NewLedger(region.data, [hashSize]byte{}, numCores, false)
		} else {
			ledger, err = NewLedger(region.data, GateInitHash(m.gate.ID()), numCores, true)
		}
		if err != nil {
			return err
		}
		m.ledger = ledger
		m.log.Infof("shmaffinity: initialized ledger (%d cores, sem %d, reused:%v)", numCores, m.gate.ID(), reuse)
		return nil
	}

	// The ledger exists (or is being initialized right now): wait
	// bounded for the creator's init hash before trusting it.
	wantHash := GateInitHash(m.gate.ID())
	deadline := time.Now().Add(time.Duration(openTimeoutSec * float32(time.Second)))
	for {
		probe := Ledger{data: region.data}
		if probe.HeadMessage() == headMessage && probe.SemInitHash() == wantHash {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: init hash never appeared", ErrSemaphoreRace)
		}
		time.Sleep(initHashPollInterval)
	}

	ledger, err := NewLedger(region.data, [hashSize]byte{}, numCores, false)
	if err != nil {
		return err
	}
	m.ledger = ledger
	m.log.Infof("shmaffinity: attached existing ledger (%d cores, sem %d)", numCores, m.gate.ID())
	return nil
}

// Acquire hands out up to requestedCores free cores, preferring
// sockets and NUMA nodes with the fewest other tenants and boosting
// locations already hosting this PID. The result is a compact id-set
// string such as "0-3,8"; fewer cores than requested (possibly none)
// come back when the host is crowded.
func (m *Manager) Acquire(requestedCores int, timeoutSec float32) (string, error) {

	if requestedCores <= 0 {
		return "", fmt.Errorf("shmaffinity: requested core count %d", requestedCores)
	}

	locked, err := m.gate.Lock(timeoutSec)
	if err != nil {
		return "", err
	}
	if !locked {
		return "", ErrTimeout
	}
	defer m.gate.Unlock()

	if err := m.ctl.refresh(); err != nil {
		return "", err
	}
	n := requestedCores
	if avail := m.ctl.availableCoreTotal(); avail < n {
		m.log.Infof("shmaffinity: clamping request %d to %d available cores", n, avail)
		n = avail
	}
	if n == 0 {
		return "", nil
	}

	coreIDs, err := m.ctl.allocate(n, m.verify)
	if err != nil {
		return "", err
	}

	for _, coreID := range coreIDs {
		if err := m.ledger.SetCoreInfo(coreID, true, m.myPid); err != nil {
			return "", err
		}
	}

	idSet := cpusocket.FormatIDSet(coreIDs)
	m.log.Infof("shmaffinity: pid %d acquired cores %s", m.myPid, idSet)
	return idSet, nil
}

// Release frees the cores named by a compact id-set string returned
// from Acquire. Unknown ids are logged and skipped, never fatal.
func (m *Manager) Release(idSet string, timeoutSec float32) error {

	coreIDs, err := cpusocket.ParseIDSet(idSet)
	if err != nil {
		return err
	}

	locked, err := m.gate.Lock(timeoutSec)
	if err != nil {
		return err
	}
	if !locked {
		return ErrTimeout
	}
	defer m.gate.Unlock()

	for _, coreID := range coreIDs {
		if coreID >= m.ledger.NumCores() {
			m.log.Warnf("shmaffinity: release of unknown core %d ignored", coreID)
			continue
		}
		if err := m.ledger.SetCoreInfo(coreID, false, 0); err != nil {
			return err
		}
	}
	m.log.Infof("shmaffinity: pid %d released cores %s", m.myPid, idSet)
	return nil
}

// Ledger exposes the attached ledger for diagnostics.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Pid returns the pid this manager allocates under.
func (m *Manager) Pid() uint64 { return m.myPid }

// DescribeTopology renders the socket and NUMA tables.
func (m *Manager) DescribeTopology() string {
	return m.cpuUtil.Show() + "\n" + m.numaUtil.Show()
}

// Describe renders topology plus the ledger. Reads without the gate;
// torn reads are acceptable for display.
func (m *Manager) Describe() string {
	return m.DescribeTopology() + "\n" + m.ledger.Show(m.numaUtil, m.cpuUtil)
}

func (m *Manager) CPUUtil() *cpusocket.Util { return m.cpuUtil }
func (m *Manager) NumaUtil() *numa.Util     { return m.numaUtil }

func (m *Manager) detach() {
	if m.region != nil {
		m.region.detach()
		m.region = nil
	}
	m.ledger = nil
}

// Close detaches from the ledger. The kernel objects stay for other
// attachers.
func (m *Manager) Close() {
	m.detach()
}

// Destroy removes the semaphore and the shared-memory segment. Only
// their creator or root may; everyone else gets ErrPermissionDenied.
func (m *Manager) Destroy() error {
	var firstErr error
	if m.gate != nil {
		if err := m.gate.Remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.region != nil {
		if err := m.region.remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.detach()
	return firstErr
}
