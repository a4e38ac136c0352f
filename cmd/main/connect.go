package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/types"
)

func connectCommand(args []string) error {
	var opts options
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	opts.register(fs)
	duid := fs.String("device", "", "Host device unique id (default: the only remote play capable host)")
	platform := fs.String("platform", "", "Host platform, PS4 or PS5 (default from config, PS5)")
	hold := fs.Bool("hold", false, "Keep the sockets open until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, flush, err := opts.setup()
	if err != nil {
		return err
	}
	defer flush()
	if err := cfg.requireToken(); err != nil {
		return err
	}
	if *platform != "" {
		cfg.Platform = strings.ToUpper(*platform)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := holepunch.New(cfg.Session)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("session teardown", zap.Error(err))
		}
	}()

	fmt.Println("=== Rendezvous ===")
	fmt.Println()

	fmt.Println("Step 1: Looking up the host...")
	dev, err := findDevice(ctx, session.Client(), cfg.Platform, *duid)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s (%s) %s\n", dev.Name, dev.Platform, dev.DUID)
	fmt.Println()

	fmt.Println("Step 2: Creating the session and waking the host...")
	if err := session.Create(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := session.Start(ctx, dev); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Println("✓ Host joined")
	fmt.Println()

	fmt.Println("Step 3: Punching holes...")
	var conns []*holepunch.Connection
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for _, pt := range []types.PortType{types.PortCtrl, types.PortData} {
		c, err := session.PunchHole(ctx, pt)
		if err != nil {
			return fmt.Errorf("%s hole: %w", pt, err)
		}
		conns = append(conns, c)
		fmt.Printf("✓ %s\n", c)
	}
	fmt.Println()

	info := session.RegistInfo()
	fmt.Println("Connection Information")
	fmt.Printf("  Host address : %s\n", session.SelectedRemoteAddress())
	fmt.Printf("  Local IP     : %s\n", info.LocalIP)
	fmt.Printf("  data1        : %s\n", hex.EncodeToString(info.Data1[:]))
	fmt.Printf("  data2        : %s\n", hex.EncodeToString(info.Data2[:]))
	fmt.Printf("  customData1  : %s\n", hex.EncodeToString(info.CustomData1[:]))

	if *hold {
		fmt.Println()
		fmt.Println("Sockets will remain open. Press Ctrl+C to close.")
		<-ctx.Done()
		return nil
	}

	// Give the host a moment to see our final acknowledgement before we leave
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}
