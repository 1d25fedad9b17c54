package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/logging"
	"github.com/kaihe/kstack/pkg/netstack"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up an interface and run the stack's tick loop",
	Long: `Run builds one netstack.Stack interface backed by a point-to-point
Ethernet-over-UDP tunnel, injects its address and routes, and drives the
100Hz tick loop until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("iface", "eth0", "Interface name")
	runCmd.Flags().String("hwaddr", "02:00:00:00:00:01", "Interface MAC address")
	runCmd.Flags().String("address", "", "Interface address in CIDR form, e.g. 10.0.0.2/24 (required)")
	runCmd.Flags().Int("mtu", 1500, "Interface MTU")
	runCmd.Flags().StringSlice("route", nil, "Route in dest/mask:dev[:gateway[:metric]] form (repeatable)")
	runCmd.Flags().String("listen", "0.0.0.0:9000", "Local UDP address for the tunnel socket")
	runCmd.Flags().String("peer", "", "Remote UDP address the tunnel exchanges frames with (required)")
	runCmd.Flags().String("log-file", "", "Append JSON-L events to this file instead of stdout")
	runCmd.Flags().String("run-id", "", "Correlation ID stamped on emitted events (default: random)")
	runCmd.Flags().Duration("shutdown-timeout", 5*time.Second, "Grace period for shutdown after interrupt")
	runCmd.MarkFlagRequired("address")
	runCmd.MarkFlagRequired("peer")

	viper.BindPFlag("run.iface", runCmd.Flags().Lookup("iface"))
	viper.BindPFlag("run.hwaddr", runCmd.Flags().Lookup("hwaddr"))
	viper.BindPFlag("run.address", runCmd.Flags().Lookup("address"))
	viper.BindPFlag("run.mtu", runCmd.Flags().Lookup("mtu"))
	viper.BindPFlag("run.route", runCmd.Flags().Lookup("route"))
	viper.BindPFlag("run.listen", runCmd.Flags().Lookup("listen"))
	viper.BindPFlag("run.peer", runCmd.Flags().Lookup("peer"))
	viper.BindPFlag("run.log-file", runCmd.Flags().Lookup("log-file"))
	viper.BindPFlag("run.run-id", runCmd.Flags().Lookup("run-id"))
	viper.BindPFlag("run.shutdown-timeout", runCmd.Flags().Lookup("shutdown-timeout"))
}

func runRun(cmd *cobra.Command, args []string) error {
	ifaceName := viper.GetString("run.iface")
	mtu := viper.GetInt("run.mtu")
	shutdownTimeout := viper.GetDuration("run.shutdown-timeout")

	hwaddr, err := link.ParseAddr(viper.GetString("run.hwaddr"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHWAddr, err)
	}
	addr, err := netip.ParsePrefix(viper.GetString("run.address"))
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidAddress, viper.GetString("run.address"), err)
	}

	listenAddr, err := net.ResolveUDPAddr("udp", viper.GetString("run.listen"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPeer, err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", viper.GetString("run.peer"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPeer, err)
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListenTunnel, err)
	}

	var routes []netstack.RouteConfig
	for _, spec := range viper.GetStringSlice("run.route") {
		rt, err := routeSpec(spec).parse()
		if err != nil {
			conn.Close()
			return err
		}
		routes = append(routes, rt)
	}

	sink, closeSink, err := buildSink()
	if err != nil {
		conn.Close()
		return err
	}
	defer closeSink()

	drv := newUDPTunnel(conn, peerAddr, nil)
	stk, err := netstack.New(netstack.Config{
		Interfaces: []netstack.InterfaceConfig{{
			Name:      ifaceName,
			Driver:    drv,
			HWAddr:    hwaddr,
			Broadcast: link.Broadcast,
			MTU:       mtu,
			Address:   addr,
		}},
		Routes:    routes,
		RunID:     viper.GetString("run.run-id"),
		Component: "kstackd",
		Sinks:     []logging.Sink{sink},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrBuildStack, err)
	}
	drv.registry = stk.Registry

	ctx, cancel := closeContext(0)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stk.Tick.Run(gctx)
		return nil
	})
	g.Go(func() error {
		drv.pump()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	_ = g.Wait()

	shutdownCtx, shutdownCancel := closeContext(shutdownTimeout)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- stk.Close() }()
	select {
	case err := <-done:
		return err
	case <-shutdownCtx.Done():
		return shutdownCtx.Err()
	}
}

// buildSink opens the configured log sink and returns its close func. With
// no --log-file it writes JSON-L events to stdout instead.
func buildSink() (logging.Sink, func(), error) {
	path := viper.GetString("run.log-file")
	if path == "" {
		s := newStdoutSink(os.Stdout)
		return s, func() {}, nil
	}
	w, err := logging.NewJSONLWriter(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrOpenLogFile, err)
	}
	return w, func() { _ = w.Close() }, nil
}
