package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/saintparish4/rendezvous/pkg/gather"
	"github.com/saintparish4/rendezvous/pkg/netutil"
)

func discoverCommand(args []string) error {
	var opts options
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, flush, err := opts.setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gather.New(cfg.Session.Gather)
	defer g.ReleaseMappings(context.Background())

	conn, err := netutil.ListenUDP(ctx, "udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Println("Gathering candidates...")
	set, err := g.Gather(ctx, conn)
	if err != nil {
		return fmt.Errorf("gathering failed: %w", err)
	}

	fmt.Println()
	fmt.Printf(" Local address : %s\n", set.LocalIP)
	if len(set.MAC) > 0 {
		fmt.Printf(" Interface MAC : %s\n", set.MAC)
	}
	if m, ok := g.PortMapper(ctx); ok {
		fmt.Printf(" Port mapping  : %s\n", m.Name())
	} else {
		fmt.Println(" Port mapping  : none")
	}
	if set.Allocation != nil {
		fmt.Printf(" NAT           : %s\n", set.Allocation)
	}
	fmt.Println()
	fmt.Println(" Candidates:")
	for _, c := range set.Candidates() {
		fmt.Printf("   %s\n", c)
	}
	return nil
}
