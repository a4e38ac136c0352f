package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/saintparish4/rendezvous/internal/signaling"
)

func devicesCommand(args []string) error {
	var opts options
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	opts.register(fs)
	platform := fs.String("platform", "", "PS4 or PS5 (default: both)")
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

	sigCfg := cfg.Session.Signaling
	sigCfg.Logger = logger
	client, err := signaling.NewClient(sigCfg, nil)
	if err != nil {
		return err
	}

	platforms := []string{"PS4", "PS5"}
	if *platform != "" {
		platforms = []string{strings.ToUpper(*platform)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found := 0
	for _, p := range platforms {
		devices, err := client.ListDevices(ctx, p)
		if err != nil {
			return fmt.Errorf("list %s devices: %w", p, err)
		}
		for _, d := range devices {
			found++
			rp := "no"
			if d.RemotePlay {
				rp = "yes"
			}
			fmt.Printf("%-4s %-24s remote play: %-3s %s\n", d.Platform, d.Name, rp, d.DUID)
		}
	}
	if found == 0 {
		fmt.Println("No devices registered")
	}
	return nil
}

func duidCommand(args []string) error {
	fs := flag.NewFlagSet("duid", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	duid, err := signaling.GenerateDeviceUID()
	if err != nil {
		return err
	}
	fmt.Println(duid)
	return nil
}

// findDevice returns the device with duid, or the only remote play capable device
// when duid is empty.
func findDevice(ctx context.Context, client *signaling.Client, platform, duid string) (signaling.Device, error) {
	devices, err := client.ListDevices(ctx, platform)
	if err != nil {
		return signaling.Device{}, err
	}
	var candidates []signaling.Device
	for _, d := range devices {
		if duid != "" && strings.EqualFold(d.DUID, duid) {
			return d, nil
		}
		if d.RemotePlay {
			candidates = append(candidates, d)
		}
	}
	switch {
	case duid != "":
		return signaling.Device{}, fmt.Errorf("no %s device %s", platform, duid)
	case len(candidates) == 1:
		return candidates[0], nil
	case len(candidates) == 0:
		return signaling.Device{}, fmt.Errorf("no remote play capable %s device", platform)
	default:
		return signaling.Device{}, fmt.Errorf("%d %s devices, pick one with -device", len(candidates), platform)
	}
}
