package shmaffinity

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func TestLedgerLayout(t *testing.T) {

	const numCores = 8
	l := NewHeapLedger(numCores)

	if got := LedgerSize(numCores); got != 64+16*numCores {
		t.Fatalf("ledger size = %d, want %d", got, 64+16*numCores)
	}

	// Head message at offset 0, ASCII, NUL padded to 32 bytes.
	if string(l.data[:12]) != "affinityInfo" {
		t.Errorf("head message bytes = %q", l.data[:12])
	}
	for _, b := range l.data[12:32] {
		if b != 0 {
			t.Error("head message padding is not NUL")
			break
		}
	}

	// Region size at offset 32.
	if binary.LittleEndian.Uint64(l.data[32:]) != uint64(LedgerSize(numCores)) {
		t.Error("shmDataSize field mismatch")
	}

	// numCores at offset 60, records from 64 at 16-byte stride.
	if binary.LittleEndian.Uint32(l.data[60:]) != numCores {
		t.Error("numCores field mismatch")
	}

	if err := l.SetCoreInfo(3, true, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	rec := 64 + 16*3
	if l.data[rec] != 1 {
		t.Error("occupied flag not at record offset 0")
	}
	if binary.LittleEndian.Uint64(l.data[rec+8:]) != 0x1122334455667788 {
		t.Error("owner pid not at record offset 8")
	}

	occupied, pid, err := l.CoreInfo(3)
	if err != nil || !occupied || pid != 0x1122334455667788 {
		t.Errorf("CoreInfo(3) = %v %d %v", occupied, pid, err)
	}

	// Reads outside [0, numCores) fail.
	if _, _, err := l.CoreInfo(numCores); err == nil {
		t.Error("out-of-range read succeeded")
	}
	if _, _, err := l.CoreInfo(-1); err == nil {
		t.Error("negative read succeeded")
	}
}

func TestLedgerReattach(t *testing.T) {

	const numCores = 4
	l := NewHeapLedger(numCores)
	l.SetCoreInfo(1, true, 4242)

	// A second attach over the same region sees the same state.
	l2, err := NewLedger(l.data, [hashSize]byte{}, numCores, false)
	if err != nil {
		t.Fatal(err)
	}
	occupied, pid, err := l2.CoreInfo(1)
	if err != nil || !occupied || pid != 4242 {
		t.Errorf("reattached CoreInfo = %v %d %v", occupied, pid, err)
	}

	// Corrupting the head message is detected.
	bad := append([]byte(nil), l.data...)
	copy(bad, "somethingElse")
	if _, err := NewLedger(bad, [hashSize]byte{}, numCores, false); err == nil {
		t.Error("corrupt head message accepted")
	}

	// A region of the wrong size is rejected.
	if _, err := NewLedger(l.data, [hashSize]byte{}, numCores+1, false); err == nil {
		t.Error("wrong-size region accepted")
	}
}

func TestLedgerSetGetPattern(t *testing.T) {

	// The alternating store/verify sweep the original ships as its
	// shared-memory self test.
	const numCores = 16
	l := NewHeapLedger(numCores)

	for coreID := 0; coreID < numCores; coreID++ {
		occupied := coreID%2 == 0
		var pid uint64
		if occupied {
			pid = uint64(coreID) + 123
		}
		if err := l.SetCoreInfo(coreID, occupied, pid); err != nil {
			t.Fatal(err)
		}
	}
	for coreID := 0; coreID < numCores; coreID++ {
		occupied, pid, err := l.CoreInfo(coreID)
		if err != nil {
			t.Fatal(err)
		}
		wantOccupied := coreID%2 == 0
		var wantPid uint64
		if wantOccupied {
			wantPid = uint64(coreID) + 123
		}
		if occupied != wantOccupied || pid != wantPid {
			t.Errorf("core %d = %v/%d, want %v/%d", coreID, occupied, pid, wantOccupied, wantPid)
		}
	}
}

func TestGateInitHash(t *testing.T) {

	// The hash text is the key string plus the semaphore id in
	// decimal; this pins the decimal form.
	want, _ := hex.DecodeString("e8fadb594e987b44e5ffb56dedd79932cd89ae48")
	got := GateInitHash(123)
	if string(got[:]) != string(want) {
		t.Errorf("GateInitHash(123) = %x, want %x", got, want)
	}

	if GateInitHash(123) == GateInitHash(124) {
		t.Error("hash does not depend on the semaphore id")
	}
}
