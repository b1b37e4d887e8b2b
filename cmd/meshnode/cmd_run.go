package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/shurlinet/shurli/internal/auth"
	"github.com/shurlinet/shurli/internal/config"
	"github.com/shurlinet/shurli/internal/keystore"
	"github.com/shurlinet/shurli/internal/reputation"
	"github.com/shurlinet/shurli/internal/wsrelay"
	"github.com/shurlinet/shurli/pkg/mesh"
)

func runNode(args []string) {
	if err := doRun(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "meshnode.yaml", "path to the node config file")
	passphrase := fs.String("passphrase", "", "passphrase to unseal the identity keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *passphrase == "" {
		return fmt.Errorf("--passphrase is required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	kp, err := keystore.Load(cfg.Crypto.KeyFile, *passphrase)
	if err != nil {
		return fmt.Errorf("failed to unseal identity: %w", err)
	}

	clk := mesh.NewClock()
	factory := mesh.NewPionTransportFactory([]webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}})

	connCfg := mesh.DefaultConnectionConfig(cfg.Mesh.MaxPeers)
	if cfg.Mesh.MaxAttempts > 0 {
		connCfg.MaxAttempts = cfg.Mesh.MaxAttempts
	}
	if cfg.Mesh.RetryDelay > 0 {
		connCfg.RetryDelay = cfg.Mesh.RetryDelay
	}
	if cfg.Mesh.ConnectionTimeout > 0 {
		connCfg.ConnectionTimeout = cfg.Mesh.ConnectionTimeout
	}

	discCfg := mesh.DefaultDiscoveryConfig(cfg.Mesh.MaxPeers)
	discCfg.AutoDiscovery = cfg.Mesh.IsAutoDiscoveryEnabled()

	gossipCfg := mesh.DefaultGossipConfig()
	if cfg.Gossip.MaxTTL > 0 {
		gossipCfg.MaxTTL = cfg.Gossip.MaxTTL
	}
	if cfg.Gossip.Expiry > 0 {
		gossipCfg.Expiry = cfg.Gossip.Expiry
	}
	if cfg.Gossip.CleanupInterval > 0 {
		gossipCfg.CleanupInterval = cfg.Gossip.CleanupInterval
	}

	dhtCfg := mesh.DefaultDHTConfig()
	if cfg.DHT.ReplicationFactor > 0 {
		dhtCfg.ReplicationFactor = cfg.DHT.ReplicationFactor
	}
	if cfg.DHT.EntryTTL > 0 {
		dhtCfg.EntryTTL = cfg.DHT.EntryTTL
	}
	if cfg.DHT.SweepInterval > 0 {
		dhtCfg.SweepInterval = cfg.DHT.SweepInterval
	}
	if cfg.DHT.QueryTimeout > 0 {
		dhtCfg.QueryTimeout = cfg.DHT.QueryTimeout
	}

	nodeCfg := mesh.NodeConfig{
		Connection: connCfg,
		Discovery:  discCfg,
		Gossip:     gossipCfg,
		DHT:        dhtCfg,
	}

	var metrics *mesh.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = mesh.NewMetrics(version, "go")
		go func() {
			slog.Info("meshnode: serving metrics", "address", cfg.Telemetry.Metrics.ListenAddress)
			if err := http.ListenAndServe(cfg.Telemetry.Metrics.ListenAddress, metrics.Handler()); err != nil {
				slog.Error("meshnode: metrics server stopped", "error", err)
			}
		}()
	}

	node := mesh.NewNode(kp, nodeCfg, factory, clk, metrics)

	if cfg.Crypto.AuthorizedPeers != "" {
		gate, err := auth.LoadAuthorizedPeers(cfg.Crypto.AuthorizedPeers)
		if err != nil {
			return fmt.Errorf("failed to load authorized peers: %w", err)
		}
		node.UseAdmissionGate(gate)
	}

	reputationPath := cfg.Crypto.KeyFile + ".reputation.json"
	history := reputation.NewPeerHistory(reputationPath)
	node.UseReputationEviction(history)

	transport := wsrelay.New(cfg.Signaling.Endpoint, cfg.Signaling.ReconnectDelay, node.Signaling.HandleMessage)
	if err := transport.Connect(); err != nil {
		return fmt.Errorf("failed to connect signaling transport: %w", err)
	}
	defer transport.Close()
	node.Signaling.SetTransport(transport)

	for _, bootstrap := range cfg.Mesh.BootstrapPeers {
		id, err := mesh.ParsePeerId(bootstrap)
		if err != nil {
			slog.Warn("meshnode: skipping invalid bootstrap peer", "value", bootstrap, "error", err)
			continue
		}
		node.Seed(id)
	}

	node.Start()
	slog.Info("meshnode: started", "peer_id", node.Self)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("meshnode: shutting down")
	node.Stop()
	_ = history.Save()
	return nil
}
