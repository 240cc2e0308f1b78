package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"hash/fnv"

	"golang.org/x/sys/unix"
)

const (
	shmKeyStr     = "AffinityInfoSharedMemoryKey"
	shmTestKeyStr = "AffinityInfoSharedMemoryTestKey"
)

// ipcKey folds a key string into a stable positive SysV IPC key.
// Every process on the host derives the same key from the same
// string, which stands in for a shared rendezvous file and ftok.
func ipcKey(keyStr string) int {
	h := fnv.New32a()
	h.Write([]byte(keyStr))
	return int(h.Sum32() & 0x7fffffff)
}

func shmKey(testMode bool) int {
	if testMode {
		return ipcKey(shmTestKeyStr)
	}
	return ipcKey(shmKeyStr)
}

// shmRegion is one attached SysV shared-memory segment.
type shmRegion struct {
	shmID int
	data  []byte
}

// createOrAttachShm returns the segment for the given key, creating
// it when absent. existed reports whether another process created it
// first; the caller must then wait for the init hash before trusting
// the content.
func createOrAttachShm(testMode bool, size int) (*shmRegion, bool, error) {

	key := shmKey(testMode)

	shmID, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|0666)
	existed := false
	if err == unix.EEXIST {
		existed = true
		shmID, err = unix.SysvShmGet(key, 0, 0)
	}
	if err != nil {
		return nil, false, fmt.Errorf("shmaffinity: shmget key %#x: %v", key, err)
	}

	data, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		return nil, false, fmt.Errorf("shmaffinity: shmat id %d: %v", shmID, err)
	}
	if existed && len(data) != size {
		unix.SysvShmDetach(data)
		return nil, false, fmt.Errorf("%w: segment is %d bytes, want %d",
			ErrLedgerCorrupt, len(data), size)
	}

	return &shmRegion{shmID: shmID, data: data}, existed, nil
}

// attachShm attaches an existing segment without ever creating one.
func attachShm(testMode bool, size int) (*shmRegion, error) {
	key := shmKey(testMode)
	shmID, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmaffinity: shmget key %#x: %v", key, err)
	}
	data, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmaffinity: shmat id %d: %v", shmID, err)
	}
	if len(data) != size {
		unix.SysvShmDetach(data)
		return nil, fmt.Errorf("%w: segment is %d bytes, want %d", ErrLedgerCorrupt, len(data), size)
	}
	return &shmRegion{shmID: shmID, data: data}, nil
}

func shmExists(testMode bool) bool {
	_, err := unix.SysvShmGet(shmKey(testMode), 0, 0)
	return err == nil
}

func (r *shmRegion) detach() error {
	if r.data == nil {
		return nil
	}
	err := unix.SysvShmDetach(r.data)
	r.data = nil
	return err
}

// remove marks the segment for destruction. Only the creator or root
// may do so; the kernel tears it down once the last attacher goes.
func (r *shmRegion) remove() error {
	_, err := unix.SysvShmCtl(r.shmID, unix.IPC_RMID, nil)
	if err == unix.EPERM || err == unix.EACCES {
		return fmt.Errorf("%w: shm id %d", ErrPermissionDenied, r.shmID)
	}
	if err != nil {
		return fmt.Errorf("shmaffinity: shmctl rmid %d: %v", r.shmID, err)
	}
	return nil
}

// removeShmByKey removes the segment for the key without keeping an
// attachment.
func removeShmByKey(testMode bool) error {
	shmID, err := unix.SysvShmGet(shmKey(testMode), 0, 0)
	if err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return fmt.Errorf("shmaffinity: shmget: %v", err)
	}
	r := &shmRegion{shmID: shmID}
	return r.remove()
}
