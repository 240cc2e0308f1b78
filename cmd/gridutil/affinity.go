/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vorteil/gridutil/pkg/shmaffinity"
)

func newManager() (*shmaffinity.Manager, error) {
	return shmaffinity.NewManager(shmaffinity.Options{
		TestMode: flagTestMode,
		Mode:     flagMode,
		Verify:   flagVerify,
		Log:      log,
	})
}

var acquireCmd = &cobra.Command{
	Use:   "acquire CORES",
	Short: "Claim free cores from the shared affinity ledger",
	Long: `Claim up to CORES free cores from the shared affinity ledger,
preferring sockets and NUMA nodes with the fewest other tenants. The
claimed cores are printed as a compact id set such as "0-3,8".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("CORES must be a positive integer, got %q", args[0])
		}

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		idSet, err := mgr.Acquire(n, flagTimeout)
		if err != nil {
			return err
		}
		if idSet == "" {
			log.Warnf("no cores are free")
			return nil
		}
		fmt.Println(idSet)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release IDSET",
	Short: "Return cores to the shared affinity ledger",
	Long: `Return previously acquired cores to the shared affinity ledger.
IDSET is the compact id set printed by acquire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		return mgr.Release(args[0], flagTimeout)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Show the shared affinity ledger",
	Long: `Show the shared affinity ledger's core table. Reads without taking
the gate, so a concurrent update may tear; this is a diagnostic view.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		ledger := mgr.Ledger()
		numaUtil := mgr.NumaUtil()
		cpuUtil := mgr.CPUUtil()

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"core", "socket", "node", "state", "pid"})
		for coreID := 0; coreID < ledger.NumCores(); coreID++ {
			occupied, pid, err := ledger.CoreInfo(coreID)
			if err != nil {
				return err
			}
			socketID := "-"
			if s := cpuUtil.FindSocketByCPU(coreID); s != nil {
				socketID = strconv.Itoa(s.SocketID())
			}
			nodeID := "-"
			if n := numaUtil.FindNodeByCPU(coreID); n != nil {
				nodeID = strconv.Itoa(n.NodeID())
			}
			state := "free"
			pidStr := ""
			if occupied {
				state = "used"
				pidStr = strconv.FormatUint(pid, 10)
			}
			table.Append([]string{strconv.Itoa(coreID), socketID, nodeID, state, pidStr})
		}
		table.Render()
		return nil
	},
}
