package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/cellbus/internal/bus"
	"github.com/shaunagostinho/cellbus/internal/server"
	"github.com/shaunagostinho/cellbus/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated cell chain")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] cellbus starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Bus.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	ctrl, link, err := openBus(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer link.Close()

	// Polls report zero cells until the port opens; the server starts regardless.
	go connectWithRetry(ctx, "bus", link, 10)

	srv := server.New(cfg, ctrl, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// openBus builds the stream and controller the config asks for. The link is
// not yet connected, so a failure here leaves nothing to close.
func openBus(cfg *server.Config) (*bus.Controller, connectable, error) {
	var (
		stream bus.Stream
		link   connectable
	)
	switch cfg.Bus.Type {
	case "serial":
		s := bus.NewSerialStream(cfg.SerialConfig())
		stream, link = s, s
	default:
		d := bus.NewDemoChain(cfg.DemoChainConfig())
		stream, link = d, d
	}
	ctrl, err := bus.New(cfg.ControllerConfig(), stream)
	if err != nil {
		return nil, nil, err
	}
	ctrl.SetTarget(cfg.Target())
	return ctrl, link, nil
}

// connectable is satisfied by bus.SerialStream and bus.DemoChain.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry opens the link with exponential backoff, 1s doubling up
// to 60s, until it succeeds or ctx is cancelled.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	const maxDelay = 60 * time.Second
	delay := time.Second

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt)
			return
		}

		progress := fmt.Sprintf("%d", attempt)
		if attempt <= maxAttempts {
			progress = fmt.Sprintf("%d/%d", attempt, maxAttempts)
		}
		log.Printf("[%s] connect attempt %s failed: %v (retry in %v)", name, progress, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}
