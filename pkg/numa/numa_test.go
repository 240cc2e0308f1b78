package numa

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vorteil/gridutil/pkg/cpusocket"
)

func TestEmulatedProfiles(t *testing.T) {

	cases := []struct {
		mode  string
		nodes int
		cores int
	}{
		{"ag", 8, 384},
		{"tin", 2, 96},
		{"cobalt", 1, 128},
	}
	for _, c := range cases {
		u, err := NewWithMode(c.mode)
		if err != nil {
			t.Fatalf("%s: %v", c.mode, err)
		}
		if u.TotalNodes() != c.nodes {
			t.Errorf("%s: %d nodes, want %d", c.mode, u.TotalNodes(), c.nodes)
		}
		cores := 0
		for nodeID := 0; nodeID < u.TotalNodes(); nodeID++ {
			n := u.Node(nodeID)
			cores += n.TotalCores()
			if n.MemSize() == 0 {
				t.Errorf("%s node %d: zero memory size", c.mode, nodeID)
			}
		}
		if cores != c.cores {
			t.Errorf("%s: %d cores, want %d", c.mode, cores, c.cores)
		}
	}

	if _, err := NewWithMode("wombat"); !errors.Is(err, ErrTopologyUnknown) {
		t.Errorf("expected ErrTopologyUnknown, got %v", err)
	}
}

func TestNodeLookup(t *testing.T) {

	u, err := NewWithMode("tin")
	if err != nil {
		t.Fatal(err)
	}

	// tin maps each socket onto one node: 0-23,48-71 on node 0.
	if n := u.FindNodeByCPU(50); n == nil || n.NodeID() != 0 {
		t.Errorf("cpu 50 not on node 0")
	}
	if n := u.FindNodeByCPU(72); n == nil || n.NodeID() != 1 {
		t.Errorf("cpu 72 not on node 1")
	}
	if u.FindNodeByCPU(96) != nil {
		t.Error("cpu 96 should not exist on tin")
	}

	assert.Equal(t, []int{0, 1}, u.ActiveNodeIDsByCPUIDs([]int{0, 24, 48}))
	assert.Equal(t, []int{1}, u.ActiveNodeIDsByCPUIDs([]int{30}))
}

func TestDistanceSelfMinimum(t *testing.T) {

	for _, mode := range []string{"ag", "tin", "cobalt"} {
		u, err := NewWithMode(mode)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < u.TotalNodes(); i++ {
			n := u.Node(i)
			d := n.Distance()
			if len(d) != u.TotalNodes() {
				t.Fatalf("%s node %d: distance vector size %d", mode, i, len(d))
			}
			for j, v := range d {
				if v < d[i] {
					t.Errorf("%s node %d: distance[%d]=%d below self %d", mode, i, j, v, d[i])
				}
			}
		}
	}
}

func TestLocalhostSysfsParsing(t *testing.T) {

	dir, err := ioutil.TempDir("", "numa")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("online", "0-1\n")
	write("node0/cpulist", "0-3\n")
	write("node0/meminfo", "Node 0 MemTotal:       1024 kB\nNode 0 MemFree:        512 kB\n")
	write("node0/distance", "10 21\n")
	write("node1/cpulist", "4-7\n")
	write("node1/meminfo", "Node 1 MemTotal:       2048 kB\n")
	write("node1/distance", "21 10\n")

	prev := sysNodePath
	sysNodePath = dir
	defer func() { sysNodePath = prev }()

	u, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if u.TotalNodes() != 2 {
		t.Fatalf("parsed %d nodes", u.TotalNodes())
	}
	assert.Equal(t, uint64(1024*1024), u.Node(0).MemSize())
	assert.Equal(t, uint64(2048*1024), u.Node(1).MemSize())
	assert.Equal(t, "4-7", cpusocket.FormatIDSet(u.Node(1).CPUIDs()))
	assert.Equal(t, []int{21, 10}, u.Node(1).Distance())
}
