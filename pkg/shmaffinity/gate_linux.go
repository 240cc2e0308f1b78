package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/sha1"
	"fmt"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	semKeyStr     = "AffinityMapTable"
	semTestKeyStr = "AffinitMapTableTest"

	semInitCompleteHashStr = "AffinityMapTableSemaphoreInitialized"
)

// semctl command values not exported by x/sys.
const (
	semctlSetVal = 16
	semctlGetVal = 12
)

type sembuf struct {
	semNum uint16
	semOp  int16
	semFlg int16
}

func semKey(testMode bool) int {
	if testMode {
		return ipcKey(semTestKeyStr)
	}
	return ipcKey(semKeyStr)
}

// Gate is the single binary SysV semaphore serializing every
// mutating ledger sequence across processes.
type Gate struct {
	semID    int
	testMode bool
}

// OpenGate creates or attaches the semaphore. created reports that
// this process made it, in which case the semaphore has been set to
// unlocked and the caller is responsible for initializing the ledger
// and publishing the init hash.
func OpenGate(testMode bool) (*Gate, bool, error) {

	key := semKey(testMode)

	semID, _, errno := unix.Syscall(unix.SYS_SEMGET,
		uintptr(key), 1, uintptr(unix.IPC_CREAT|unix.IPC_EXCL|0666))
	if errno == 0 {
		// Fresh semaphore: release it before anyone can wait on it.
		if _, _, errno := unix.Syscall6(unix.SYS_SEMCTL,
			semID, 0, semctlSetVal, 1, 0, 0); errno != 0 {
			return nil, false, fmt.Errorf("shmaffinity: semctl setval: %v", errno)
		}
		return &Gate{semID: int(semID), testMode: testMode}, true, nil
	}
	if errno != unix.EEXIST {
		return nil, false, fmt.Errorf("shmaffinity: semget key %#x: %v", key, errno)
	}

	semID, _, errno = unix.Syscall(unix.SYS_SEMGET, uintptr(key), 1, 0)
	if errno != 0 {
		return nil, false, fmt.Errorf("%w: semget attach: %v", ErrSemaphoreRace, errno)
	}
	return &Gate{semID: int(semID), testMode: testMode}, false, nil
}

func (g *Gate) ID() int { return g.semID }

// Lock blocks until the semaphore is taken or the timeout expires.
// A timeout is not an error; it returns (false, nil).
func (g *Gate) Lock(timeoutSec float32) (bool, error) {

	op := sembuf{semNum: 0, semOp: -1, semFlg: 0}

	sec := int64(timeoutSec)
	nsec := int64((timeoutSec - float32(sec)) * 1e9)
	ts := unix.Timespec{Sec: sec, Nsec: nsec}

	for {
		_, _, errno := unix.Syscall6(unix.SYS_SEMTIMEDOP,
			uintptr(g.semID),
			uintptr(unsafe.Pointer(&op)),
			1,
			uintptr(unsafe.Pointer(&ts)),
			0, 0)
		switch errno {
		case 0:
			return true, nil
		case unix.EAGAIN:
			return false, nil // deadline
		case unix.EINTR:
			continue
		case unix.EIDRM, unix.EINVAL:
			return false, fmt.Errorf("%w: semaphore vanished while waiting", ErrSemaphoreRace)
		default:
			return false, fmt.Errorf("shmaffinity: semtimedop: %v", errno)
		}
	}
}

// Unlock releases the semaphore.
func (g *Gate) Unlock() error {
	op := sembuf{semNum: 0, semOp: 1, semFlg: 0}
	_, _, errno := unix.Syscall(unix.SYS_SEMOP,
		uintptr(g.semID), uintptr(unsafe.Pointer(&op)), 1)
	if errno != 0 {
		return fmt.Errorf("shmaffinity: semop unlock: %v", errno)
	}
	return nil
}

// Value reads the current semaphore value, for diagnostics.
func (g *Gate) Value() (int, error) {
	v, _, errno := unix.Syscall6(unix.SYS_SEMCTL,
		uintptr(g.semID), 0, semctlGetVal, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("shmaffinity: semctl getval: %v", errno)
	}
	return int(v), nil
}

// Remove destroys the semaphore. Only the creator or root may.
func (g *Gate) Remove() error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL,
		uintptr(g.semID), 0, unix.IPC_RMID, 0, 0, 0)
	if errno == unix.EPERM || errno == unix.EACCES {
		return fmt.Errorf("%w: semaphore id %d", ErrPermissionDenied, g.semID)
	}
	if errno != 0 {
		return fmt.Errorf("shmaffinity: semctl rmid: %v", errno)
	}
	return nil
}

// GateInitHash is the value written into the ledger's semInitHash
// field once the creator finishes initializing: the SHA-1 of the key
// string immediately followed by the semaphore id in decimal. The
// decimal form is observable on the wire and pinned by tests.
func GateInitHash(semID int) [hashSize]byte {
	return sha1.Sum([]byte(semInitCompleteHashStr + strconv.Itoa(semID)))
}
