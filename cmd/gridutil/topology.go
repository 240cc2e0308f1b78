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

	"github.com/vorteil/gridutil/pkg/cpusocket"
	"github.com/vorteil/gridutil/pkg/numa"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show CPU socket and NUMA node topology",
	Long: `Show the host's CPU socket and NUMA node topology, or the topology
of an emulation profile selected with --mode.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		cpuUtil, err := cpusocket.NewWithMode(flagMode)
		if err != nil {
			return err
		}
		numaUtil, err := numa.NewWithMode(flagMode)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"socket", "cores", "cpu ids"})
		for socketID := 0; socketID <= cpuUtil.MaxSocketID(); socketID++ {
			s := cpuUtil.Socket(socketID)
			table.Append([]string{
				strconv.Itoa(s.SocketID()),
				strconv.Itoa(s.TotalCores()),
				cpusocket.FormatIDSet(s.CPUIDs()),
			})
		}
		table.Render()

		table = tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"node", "cores", "cpu ids", "memory", "distance"})
		for nodeID := 0; nodeID < numaUtil.TotalNodes(); nodeID++ {
			n := numaUtil.Node(nodeID)
			table.Append([]string{
				strconv.Itoa(n.NodeID()),
				strconv.Itoa(n.TotalCores()),
				cpusocket.FormatIDSet(n.CPUIDs()),
				fmt.Sprintf("%d", n.MemSize()),
				fmt.Sprint(n.Distance()),
			})
		}
		table.Render()
		return nil
	},
}
