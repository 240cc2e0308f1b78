package numa

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MPOL_BIND pins every page of the region to the given node set.
const mpolBind = 2

const bitsPerULong = 64

// Alloc maps an anonymous region and binds its pages to this node.
// On mbind failure the region is unmapped before the error returns,
// so no unbound memory ever escapes.
func (n *Node) Alloc(size int) ([]byte, error) {

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("numa: mmap %d bytes: %v", size, err)
	}

	maskWords := (n.nodeID + 1 + bitsPerULong - 1) / bitsPerULong
	nodeMask := make([]uint64, maskWords)
	nodeMask[n.nodeID/bitsPerULong] = uint64(1) << uint(n.nodeID%bitsPerULong)

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])),
		uintptr(size),
		uintptr(mpolBind),
		uintptr(unsafe.Pointer(&nodeMask[0])),
		uintptr(maskWords*bitsPerULong),
		0)
	if errno != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("numa: mbind to node %d failed: %v", n.nodeID, errno)
	}

	return mem, nil
}

// Free releases an arena returned by Alloc.
func (n *Node) Free(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("numa: munmap: %v", err)
	}
	return nil
}
