// Command mate-ping checks one or more mate nodes: it authenticates, measures
// ping round trips and runs an echo session or a full quality test.
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

	"github.com/ZentaChain/mate-node/pkg/config"
	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/network"
)

var (
	configPath   = flag.String("config", "", "Path to YAML config file (wire and retry sections)")
	identityPath = flag.String("identity", "", "Identity file; an ephemeral identity is used when empty")
	strategy     = flag.String("retry", "", "Retry strategy: none, quick, normal, patient")
	count        = flag.Int("count", network.DefaultEchoCount, "Number of echoes per node")
	interval     = flag.Duration("interval", 200*time.Millisecond, "Pause between echoes")
	quality      = flag.Bool("quality", false, "Run a connection quality test instead of an echo session")
	timeout      = flag.Duration("timeout", time.Minute, "Overall deadline")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <addr> [addr...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := newClient(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	if *quality {
		for _, addr := range flag.Args() {
			if !runQuality(ctx, client, addr) {
				failed++
			}
		}
	} else {
		pool := network.NewPool(client, len(flag.Args()))
		for _, addr := range flag.Args() {
			if !runEcho(ctx, client, pool, addr) {
				failed++
			}
		}
		pool.Close()
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func newClient(logger *zap.Logger) (*network.Client, error) {
	cfg := config.Default()
	cfg.Wire.Preset = "client"
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *strategy != "" {
		cfg.Retry.Strategy = *strategy
	}

	opts, err := cfg.NetworkOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, network.WithLogger(logger))

	var identity *crypto.Identity
	if *identityPath != "" {
		identity, _, err = crypto.LoadOrGenerateIdentity(*identityPath)
	} else {
		identity, err = crypto.GenerateIdentity()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return network.NewClient(identity, opts...), nil
}

func runEcho(ctx context.Context, client *network.Client, pool *network.Pool, addr string) bool {
	fmt.Printf("── %s\n", addr)

	conn, err := pool.Get(ctx, addr)
	if err != nil {
		fmt.Printf("   connect failed (%s): %v\n", network.KindOf(err), err)
		return false
	}
	peer, _ := conn.PeerIdentity()
	fmt.Printf("   peer %s\n", peer.Short())

	rtt, err := client.Ping(ctx, conn, "")
	if err != nil {
		fmt.Printf("   ping failed: %v\n", err)
		return false
	}
	fmt.Printf("   ping %v\n", rtt)

	report, err := client.EchoSession(ctx, conn, *count, *interval)
	if report != nil {
		fmt.Printf("   echo %d/%d ok (%.0f%%), rtt min/avg/max %v/%v/%v, %d bytes\n",
			report.Succeeded, report.Sent, report.SuccessRate()*100,
			report.MinRTT, report.AvgRTT, report.MaxRTT, report.BytesSent)
	}
	if err != nil {
		fmt.Printf("   echo failed: %v\n", err)
		return false
	}
	fmt.Printf("   health %s\n", conn.Health().State())
	return true
}

func runQuality(ctx context.Context, client *network.Client, addr string) bool {
	fmt.Printf("── %s\n", addr)

	report, err := client.TestConnectionQuality(ctx, addr, *count)
	if err != nil {
		fmt.Printf("   quality test failed (%s): %v\n", network.KindOf(err), err)
		return false
	}

	fmt.Printf("   peer %s\n", report.Peer.Short())
	fmt.Printf("   connect %v, echo %v, total %v\n", report.ConnectTime, report.EchoTime, report.Total)
	if report.Echo != nil {
		fmt.Printf("   echo %d/%d ok\n", report.Echo.Succeeded, report.Echo.Sent)
	}
	if report.EchoError != "" {
		fmt.Printf("   echo error: %s\n", report.EchoError)
	}
	fmt.Printf("   rating %s\n", report.Rating)
	return report.Acceptable()
}
