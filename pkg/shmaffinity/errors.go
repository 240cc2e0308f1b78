package shmaffinity

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

var (
	// ErrLedgerCorrupt reports a shared-memory region whose head
	// message or size field does not match the expected layout.
	ErrLedgerCorrupt = errors.New("shmaffinity: ledger corrupt")

	// ErrSemaphoreRace reports a stale or orphaned semaphore; the
	// manager retries these internally up to the retry budget.
	ErrSemaphoreRace = errors.New("shmaffinity: semaphore race")

	// ErrTimeout reports that the gate could not be taken within the
	// caller's budget.
	ErrTimeout = errors.New("shmaffinity: lock timeout")

	// ErrPermissionDenied reports a remove attempt by a process that
	// is neither the creator nor root.
	ErrPermissionDenied = errors.New("shmaffinity: permission denied")
)
