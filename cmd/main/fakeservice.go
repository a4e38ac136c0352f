package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/signaling/signalingtest"
)

func fakeServiceCommand(args []string) error {
	var opts options
	fs := flag.NewFlagSet("fake-service", flag.ExitOnError)
	opts.register(fs)
	addr := fs.String("addr", "127.0.0.1:8080", "Listen address")
	token := fs.String("require-token", "", "Reject requests without this bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, logger, flush, err := opts.setup()
	if err != nil {
		return err
	}
	defer flush()

	cfg := signalingtest.DefaultConfig()
	cfg.Addr = *addr
	cfg.Token = *token
	cfg.Logger = logger
	srv := signalingtest.NewServer(cfg)

	fmt.Printf("Fake rendezvous service on http://%s\n", *addr)
	fmt.Println("Point a client at it with:")
	fmt.Println("  session:")
	fmt.Println("    signaling:")
	fmt.Printf("      base_url: http://%s/api\n", *addr)
	fmt.Printf("      push_lookup_url: http://%s/np/serveraddr\n", *addr)
	fmt.Printf("      push_url_format: ws://%%s/np/pushNotification\n")
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
