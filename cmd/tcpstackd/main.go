package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/irctrakz/tcpstack/pkg/config"
	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/netudp"
	"github.com/irctrakz/tcpstack/pkg/tcp"
)

func main() {
	configPath := flag.String("config", "", "config file (json or yaml)")
	listenPorts := flag.String("ports", "", "comma-separated echo listener ports (overrides PORTS)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	// Inbound datagrams fan out by protocol number; only the reliable
	// transport is wired in here.
	registry := core.NewRegistry()
	path, err := netudp.New(cfg.Network, registry)
	if err != nil {
		log.Fatalf("network path: %v", err)
	}
	defer path.Close()

	svc := newEchoService()
	engine, err := tcp.NewEngine(cfg.Engine, cfg.Network.MTU, path.Sender(core.ProtocolTCP), svc)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	svc.engine = engine
	registry.Register(core.ProtocolTCP, engine)

	for _, port := range parsePorts(*listenPorts) {
		if err := engine.OpenPassive(port); err != nil {
			log.Fatalf("listen %d: %v", port, err)
		}
	}

	path.Start()
	engine.Start()
	defer engine.Stop()
	svc.start()
	defer svc.stop()

	if interval := metricsInterval(); interval > 0 {
		go runMetricsReporter(engine, path, interval)
	}

	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		http.ListenAndServe(":8080", nil)
	}()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logging.Infof("shutting down")
}

// parsePorts reads the -ports flag, falling back to the PORTS env var.
func parsePorts(flagVal string) []uint16 {
	raw := flagVal
	if raw == "" {
		raw = os.Getenv("PORTS")
	}
	if raw == "" {
		raw = "7777"
	}
	var ports []uint16
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n == 0 {
			log.Fatalf("invalid port %q", part)
		}
		ports = append(ports, uint16(n))
	}
	return ports
}

func metricsInterval() int {
	raw := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
