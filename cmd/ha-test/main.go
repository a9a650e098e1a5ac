// Command ha-test is a diagnostic tool that connects once to a Home
// Assistant instance, authenticates, bootstraps entity state, and prints
// the resulting snapshot before exiting — grounded on
// original_source/src/bin/ha_test.rs's role, reimplemented without its
// mock-Core-session harness since this bridge's HA Client can be driven
// directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"habridge/internal/clock"
	"habridge/internal/haclient"
	"habridge/internal/haconfig"
	"habridge/internal/store"
)

func main() {
	var (
		url         = flag.String("u", "", "Home Assistant WebSocket API URL (overrides home-assistant.json)")
		token       = flag.String("t", "", "Home Assistant long lived access token (overrides home-assistant.json)")
		connTimeout = flag.Int("c", 0, "TCP connection timeout in seconds (overrides home-assistant.json)")
		reqTimeout  = flag.Int("r", 0, "Request timeout in seconds (overrides home-assistant.json)")
		trace       = flag.String("trace", "all", "Message tracing for HA server communication: in, out, all, none")
		insecure    = flag.Bool("disable-cert-validation", false, "Disable TLS certificate validation")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := haconfig.Load()
	if err != nil {
		cfg = haconfig.Default()
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *connTimeout > 0 {
		cfg.ConnectionTimeout = time.Duration(*connTimeout) * time.Second
	}
	if *reqTimeout > 0 {
		cfg.RequestTimeout = time.Duration(*reqTimeout) * time.Second
	}
	if *insecure {
		cfg.DisableCertValidation = true
	}

	if cfg.URL == "" || cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "can't connect to Home Assistant: URL or token is missing")
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	client := haclient.New(haconfig.NewHandle(cfg), logger, clock.NewRealClock())
	client.SetTracing(haconfig.ParseMsgTracing(*trace))

	st := store.New(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go client.Run(ctx)
	go st.Consume(ctx, client)

	waitForBootstrap(ctx, client)
	printSnapshot(st)
}

// waitForBootstrap blocks until the client reaches the Subscribed state
// (bootstrap complete) or the context expires.
func waitForBootstrap(ctx context.Context, client *haclient.Client) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.State() == haclient.Subscribed {
				time.Sleep(200 * time.Millisecond) // let the Store apply the bootstrap batch
				return
			}
			if client.AuthFailed() {
				fmt.Fprintln(os.Stderr, "authentication failed")
				os.Exit(1)
			}
		}
	}
}

func printSnapshot(st *store.Store) {
	snapshot := st.Snapshot()
	fmt.Printf("received %d entities\n", len(snapshot))
	for _, e := range snapshot {
		fmt.Printf("  %-32s %-14s %v\n", e.EntityID, e.DeviceClass, e.Attributes)
	}
}
