// jtagclient is a thin demonstration CLI for internal/client.Proxy: it
// connects to a daemon, prints adapter identity, split-scan support and GPIO
// pin count, and exits. The
// readline-backed interactive shell this would normally back is an
// external collaborator and is not built here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/jtagd/jtagd/internal/client"
	"github.com/jtagd/jtagd/internal/logging"
)

const versionString = "jtagclient (model-backend rewrite)"

func main() {
	var (
		server      = flag.String("server", "localhost", "daemon host to connect to")
		port        = flag.Uint("port", 2542, "daemon TCP port")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString)
		return
	}

	logging.ConfigureRuntime("jtagclient")

	cfg := client.DefaultConfig()
	cfg.Address = net.JoinHostPort(*server, fmt.Sprintf("%d", *port))
	cfg.MaxConnectAttempts = 1

	ctx := context.Background()
	proxy, err := client.Connect(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jtagclient: connect: %v\n", err)
		os.Exit(1)
	}
	defer proxy.Disconnect()

	fmt.Printf("connected to %s (%s)\n", cfg.Address, proxy.Transport())
	fmt.Printf("adapter name:     %s\n", proxy.Name())
	fmt.Printf("adapter serial:   %s\n", proxy.Serial())
	fmt.Printf("adapter user id:  %s\n", proxy.UserID())
	fmt.Printf("adapter freq:     %d Hz\n", proxy.Frequency())
	fmt.Printf("split scan:       %v\n", proxy.IsSplitScanSupported())
	fmt.Printf("gpio pin count:   %d\n", proxy.PinCount())
}
