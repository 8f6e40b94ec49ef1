package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

// interruptEntries is the size of the HCCA interrupt table.
const interruptEntries = 32

func newScheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Place endpoints in the periodic schedule and print the result",
		Long: `schedule opens each endpoint in order on a started controller and prints
the slot it was given, the interrupt table entries that reach it and the
periodic load of every entry afterwards. Endpoints refused by admission
control are reported and skipped.

An endpoint is written type:maxpacket[:interval][:speed], where type is
control, bulk or interrupt and speed is full (the default) or low.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []ohci.EndpointInfo
			for _, arg := range a.cfg.Endpoints {
				info, err := parseEndpoint(arg)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}
			return a.schedule(cmd.Context(), cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().StringSlice("endpoint", nil, "endpoint to open, type:maxpacket[:interval][:speed]; repeatable")
	cobra.CheckErr(bindFlags(a.v, cmd.Flags(), []binding{{"endpoints", "endpoint"}}))
	return cmd
}

// schedule opens infos on a fresh driver and writes the placement report.
func (a *app) schedule(ctx context.Context, w io.Writer, infos []ohci.EndpointInfo) error {
	bus, err := a.cfg.newBus()
	if err != nil {
		return err
	}
	cfg, err := a.cfg.driverConfig(bus, nil)
	if err != nil {
		return err
	}
	d, err := ohci.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	bus.Controller.SetInterruptHandler(d.HandleInterrupt)
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	info := d.RootHubInfo()
	fmt.Fprintf(w, "controller: %d ports, lookup %s, budget %d full / %d low\n\n",
		info.Ports, cfg.Lookup, a.cfg.Bandwidth.MaxFull, a.cfg.Bandwidth.MaxLow)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "EP\tTYPE\tSPEED\tMPS\tINTERVAL\tSLOT\tENTRIES")
	for i, ei := range infos {
		ei.Address = 1
		ei.Number = uint8(i%15 + 1)
		ep, err := d.OpenEndpoint(nil, nil, ei)
		if err != nil {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\trefused: %v\t\n",
				i+1, ei.Type, ei.Speed, ei.MaxPacketSize, ei.Interval, err)
			pkg.LogInfo(pkg.ComponentCLI, "endpoint refused", "endpoint", i+1, "error", err)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			i+1, ei.Type, ei.Speed, ei.MaxPacketSize, intervalText(ep), slotText(ep), entriesText(d, ep))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	load := d.BranchLoad()
	fmt.Fprintln(w, "\nbranch load:")
	for row := 0; row < interruptEntries; row += 8 {
		fmt.Fprintf(w, "  %2d-%2d:", row, row+7)
		for _, v := range load[row : row+8] {
			fmt.Fprintf(w, " %4d", v)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func intervalText(ep *ohci.Endpoint) string {
	if ep.Info().Type != hal.TransferInterrupt {
		return "-"
	}
	return fmt.Sprintf("%dms", ep.Interval())
}

func slotText(ep *ohci.Endpoint) string {
	switch ep.Info().Type {
	case hal.TransferControl:
		return "control"
	case hal.TransferBulk:
		return "bulk"
	}
	return fmt.Sprint(ep.Slot())
}

// entriesText names the interrupt table entries that reach ep as the
// first entry and the stride between them.
func entriesText(d *ohci.Driver, ep *ohci.Endpoint) string {
	if ep.Info().Type != hal.TransferInterrupt {
		return "-"
	}
	first, n := -1, 0
	for e := range interruptEntries {
		if d.Reaches(e, ep) {
			if first < 0 {
				first = e
			}
			n++
		}
	}
	if n == 0 {
		return "none"
	}
	return fmt.Sprintf("%d+%dn (%d)", first, interruptEntries/n, n)
}
