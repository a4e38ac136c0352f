package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "discover":
		err = discoverCommand(args)
	case "devices":
		err = devicesCommand(args)
	case "duid":
		err = duidCommand(args)
	case "connect":
		err = connectCommand(args)
	case "fake-service":
		err = fakeServiceCommand(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rendezvous <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  discover      Report the local, mapped and predicted candidates of this machine")
	fmt.Println("  devices       List the hosts registered to the account")
	fmt.Println("  duid          Generate a client device unique id")
	fmt.Println("  connect       Negotiate control and data holes to a host")
	fmt.Println("  fake-service  Run a local fake rendezvous service")
	fmt.Println("  help          Show this help message")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  -config FILE        YAML configuration file")
	fmt.Println("  -v                  Development logging at debug level")
	fmt.Println("  -metrics-addr ADDR  Serve Prometheus metrics on ADDR")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  STUN_SERVER        Comma separated STUN servers, first one preferred")
	fmt.Println("  RENDEZVOUS_TOKEN   OAuth access token for the signaling service")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  RENDEZVOUS_TOKEN=... rendezvous devices")
	fmt.Println("  RENDEZVOUS_TOKEN=... rendezvous connect -device 3f2a...")
	fmt.Println("  STUN_SERVER=stun.ekiga.net:3478 rendezvous discover")
}
