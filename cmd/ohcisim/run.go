package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/ohcisim"
	"github.com/ardnew/softohci/pkg"
	"github.com/ardnew/softohci/pkg/prof"
)

// Loopback device layout: what the host writes to the OUT endpoint comes
// back on the IN endpoint; the interrupt endpoint reports a sequence
// number.
const (
	loopbackAddress hal.DeviceAddress = 7
	loopbackOut     uint8             = 0x02
	loopbackIn      uint8             = 0x81
	loopbackStatus  uint8             = 0x83
	loopbackMPS                       = 64
	statusMPS                         = 8
)

var loopbackDescriptor = []byte{
	18, 1, 0x10, 0x01, 0xFF, 0, 0, 8,
	0xD1, 0x1D, 0xC1, 0x0C, 0x00, 0x01,
	0, 0, 0, 1,
}

var (
	errLoopbackMismatch = errors.New("loopback data mismatch")
	errStatusMismatch   = errors.New("status report mismatch")
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enumerate a simulated loopback device and move data through it",
		Long: `run attaches a loopback device to port 1, enumerates it through the host
HAL and performs the requested number of bulk round trips, each followed by
an interrupt status read. The frame engine runs in real time at the
configured period. With --metrics-addr the driver's Prometheus metrics are
served on /metrics while the workload runs and for --linger afterwards.
Binaries built with the profile tag also serve /debug/pprof/ there and
honor --cpu-profile and --heap-profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.Int("transfers", 16, "bulk round trips to perform")
	f.Int("size", 256, "bytes per bulk transfer")
	f.String("metrics-addr", "", "address to serve /metrics and /health on; empty disables")
	f.Duration("linger", 0, "time to keep serving after the workload ends")
	f.Duration("period", defaultPeriod, "wall-clock time per simulated frame")
	f.Duration("timeout", ohci.DefaultTransferTimeout, "timeout of each transfer")
	f.String("cpu-profile", "", "write a CPU profile of the run to this file")
	f.String("heap-profile", "", "write a heap profile to this file after the run")
	cobra.CheckErr(bindFlags(a.v, f, []binding{
		{"run.transfers", "transfers"},
		{"run.size", "size"},
		{"run.metrics_addr", "metrics-addr"},
		{"run.linger", "linger"},
		{"period", "period"},
		{"host.timeout", "timeout"},
		{"run.cpu_profile", "cpu-profile"},
		{"run.heap_profile", "heap-profile"},
	}))
	return cmd
}

// result summarizes a workload.
type result struct {
	Transfers int
	BytesOut  int
	BytesIn   int
	Reports   int
}

// run executes the loopback workload next to the frame engine, the
// metrics server and the signal handler.
func (a *app) run(ctx context.Context, w io.Writer) error {
	c := a.cfg
	if c.Run.Size <= 0 || c.Run.Transfers < 0 {
		return fmt.Errorf("%w: %d transfers of %d bytes", pkg.ErrInvalidParameter, c.Run.Transfers, c.Run.Size)
	}
	period := c.Period
	if period <= 0 {
		period = defaultPeriod
	}

	bus, err := c.newBus()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg, err := c.driverConfig(bus, ohci.NewMetrics(reg))
	if err != nil {
		return err
	}
	h, err := ohci.NewHostHAL(cfg, c.Host)
	if err != nil {
		return err
	}
	bus.Controller.SetInterruptHandler(h.Driver().HandleInterrupt)

	if (c.Run.CPUProfile != "" || c.Run.HeapProfile != "") && !prof.Enabled {
		pkg.LogWarn(pkg.ComponentCLI, "profiling not compiled in, rebuild with -tags profile")
	}
	if c.Run.CPUProfile != "" {
		if err := prof.StartCPU(c.Run.CPUProfile); err != nil {
			_ = h.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
	}

	var g run.Group
	{
		// Run the frame engine.
		engine, stop := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := bus.Controller.Run(engine, period); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, func(error) {
			stop()
		})
	}

	var res result
	{
		// Run the workload, then linger for scrapes.
		work, stop := context.WithCancel(ctx)
		g.Add(func() error {
			var err error
			res, err = loopback(work, h, bus, c.Run)
			if err != nil {
				return err
			}
			pkg.LogInfo(pkg.ComponentCLI, "workload finished", "transfers", res.Transfers)
			if c.Run.Linger > 0 {
				select {
				case <-time.After(c.Run.Linger):
				case <-work.Done():
				}
			}
			return nil
		}, func(error) {
			stop()
		})
	}

	if c.Run.MetricsAddr != "" {
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		prof.Register(mux)
		l, err := net.Listen("tcp", c.Run.MetricsAddr)
		if err != nil {
			_ = h.Close()
			_ = prof.StopCPU()
			return fmt.Errorf("failed to listen on %s: %w", c.Run.MetricsAddr, err)
		}
		pkg.LogInfo(pkg.ComponentCLI, "serving metrics", "addr", l.Addr().String())

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server exited unexpectedly: %w", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			defer signal.Stop(term)
			select {
			case <-term:
				pkg.LogInfo(pkg.ComponentCLI, "caught interrupt, shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	runErr := g.Run()
	closeErr := h.Close()
	profErr := prof.StopCPU()
	if c.Run.HeapProfile != "" {
		profErr = errors.Join(profErr, prof.Write(prof.ProfileHeap, c.Run.HeapProfile))
	}

	st := bus.Controller.Stats()
	fmt.Fprintf(w, "transfers: %d\n", res.Transfers)
	fmt.Fprintf(w, "bytes: %d out, %d in\n", res.BytesOut, res.BytesIn)
	fmt.Fprintf(w, "status reports: %d\n", res.Reports)
	fmt.Fprintf(w, "frames: %d\n", st.Frames)
	fmt.Fprintf(w, "packets: %d ack, %d nak, %d stall, %d no-response\n",
		st.Packets[ohcisim.ACK], st.Packets[ohcisim.NAK], st.Packets[ohcisim.STALL], st.Packets[ohcisim.NoResponse])
	fmt.Fprintf(w, "retired TDs: %d, interrupts: %d\n", st.Retired, st.Interrupts)

	return errors.Join(runErr, closeErr, profErr)
}

// loopback enumerates a loopback device on port 1 and runs rc.Transfers
// round trips through it.
func loopback(ctx context.Context, h *ohci.HostHAL, bus *ohcisim.Bus, rc runConfig) (result, error) {
	var res result
	fn := ohcisim.NewFunction(false, loopbackDescriptor)

	if err := h.Init(ctx); err != nil {
		return res, err
	}
	if err := h.Start(); err != nil {
		return res, err
	}
	if err := bus.Controller.Attach(1, fn); err != nil {
		return res, err
	}

	port, err := h.WaitForConnection(ctx)
	if err != nil {
		return res, fmt.Errorf("waiting for connection: %w", err)
	}
	if err := h.ResetPort(port); err != nil {
		return res, err
	}
	if err := enumerate(ctx, h); err != nil {
		return res, err
	}
	pkg.LogInfo(pkg.ComponentCLI, "loopback device ready", "port", port, "address", loopbackAddress)

	out := make([]byte, rc.Size)
	in := make([]byte, rc.Size)
	report := make([]byte, statusMPS)
	for i := range rc.Transfers {
		for j := range out {
			out[j] = byte(i + j*13)
		}
		n, err := h.BulkTransfer(ctx, loopbackAddress, loopbackOut, out)
		if err != nil {
			return res, fmt.Errorf("bulk OUT %d: %w", i, err)
		}
		res.BytesOut += n

		fn.QueueIn(loopbackIn, fn.Received(loopbackOut))
		clear(in)
		n, err = h.BulkTransfer(ctx, loopbackAddress, loopbackIn, in)
		if err != nil {
			return res, fmt.Errorf("bulk IN %d: %w", i, err)
		}
		res.BytesIn += n
		if !bytes.Equal(in[:n], out) {
			return res, fmt.Errorf("%w: round trip %d returned %d bytes", errLoopbackMismatch, i, n)
		}

		seq := []byte{byte(i), byte(i >> 8), 0xA5, 0x5A}
		fn.QueueIn(loopbackStatus, seq)
		n, err = h.InterruptTransfer(ctx, loopbackAddress, loopbackStatus, report)
		if err != nil {
			return res, fmt.Errorf("status %d: %w", i, err)
		}
		if !bytes.Equal(report[:n], seq) {
			return res, fmt.Errorf("%w: report %d = %x", errStatusMismatch, i, report[:n])
		}
		res.Reports++
		res.Transfers++
	}
	return res, nil
}

// enumerate addresses the device, reads its descriptor, records its
// endpoints and selects configuration 1.
func enumerate(ctx context.Context, h *ohci.HostHAL) error {
	if err := h.SetDeviceAddress(ctx, loopbackAddress); err != nil {
		return fmt.Errorf("set address: %w", err)
	}

	desc := make([]byte, len(loopbackDescriptor))
	n, err := h.ControlTransfer(ctx, loopbackAddress, &hal.SetupPacket{
		RequestType: hal.RequestDirIn | hal.RequestStandard | hal.RecipientDevice,
		Request:     hal.RequestGetDescriptor,
		Value:       uint16(hal.DescriptorDevice) << 8,
		Length:      uint16(len(desc)),
	}, desc)
	if err != nil {
		return fmt.Errorf("get device descriptor: %w", err)
	}
	if n != len(desc) || desc[1] != 1 {
		return fmt.Errorf("%w: device descriptor %x", pkg.ErrProtocol, desc[:n])
	}
	pkg.LogDebug(pkg.ComponentCLI, "device descriptor",
		"vendor", fmt.Sprintf("%#04x", uint16(desc[8])|uint16(desc[9])<<8),
		"product", fmt.Sprintf("%#04x", uint16(desc[10])|uint16(desc[11])<<8))

	eps := []hal.EndpointDescriptor{
		{Address: loopbackOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: loopbackMPS},
		{Address: loopbackIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: loopbackMPS},
		{Address: loopbackStatus, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: statusMPS, Interval: 1},
	}
	for i := range eps {
		if err := h.ConfigureEndpoint(ctx, loopbackAddress, &eps[i]); err != nil {
			return fmt.Errorf("configure endpoint %#02x: %w", eps[i].Address, err)
		}
	}

	_, err = h.ControlTransfer(ctx, loopbackAddress, &hal.SetupPacket{Request: hal.RequestSetConfiguration, Value: 1}, nil)
	if err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	return nil
}
