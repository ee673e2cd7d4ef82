package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meshlog/node/core"
	"github.com/meshlog/node/pkg/config"
	"github.com/meshlog/node/rpc"
)

func main() {
	rootCmd := &cobra.Command{Use: "meshlogd"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keygenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var cfgEnv string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a meshlog node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfgEnv)
		},
	}
	cmd.Flags().StringVar(&cfgEnv, "env", "", "config environment overlay to merge (e.g. \"prod\")")
	return cmd
}

func keygenCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new Ed25519 identity and store it on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks := core.NewKeystore(path)
			priv, err := ks.Generate()
			if err != nil {
				return err
			}
			pk := core.SignIdentity(priv)
			fmt.Println(pk.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "keystore", "./meshlogd.key", "path to write the new identity to")
	return cmd
}

// runNode wires every component in this order: config, keystore, log store,
// node actor, blob resolver (whose peer fetcher needs the node), facade, RPC
// server. It blocks until interrupted.
func runNode(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "meshlogd")

	ks := core.NewKeystore(cfg.Identity.KeystorePath)
	priv, err := ks.LoadOrGenerate()
	if err != nil {
		return err
	}
	log.WithField("public_key", core.SignIdentity(priv).String()).Info("identity loaded")

	store, err := core.OpenWALLogStore(cfg.Store.WALPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := core.NewMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// facadeRef is wired into node's onGossip closure before the facade it
	// points to exists; Node.Subscribe (the only reader of onGossip) is not
	// called until after facade is assigned below, so this is safe despite
	// the unsynchronized write.
	var facadeRef *core.Facade
	node, err := core.NewNode(core.NodeConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		EnableNAT:      cfg.Network.EnableNAT,
	}, func(topic string, data []byte) {
		if facadeRef != nil {
			facadeRef.Ingest(ctx, core.ParseGossipChannel(topic), data)
		}
	})
	if err != nil {
		return err
	}
	defer node.Shutdown()

	// Peer blob-sync goes over the node's own direct-stream protocol
	// (core.NewPeerBlobFetcher), not through gossip: a cache miss asks every
	// currently known peer in turn rather than broadcasting.
	blobs, err := core.NewBlobResolver(cfg.Blob.CacheDir, cfg.Blob.CacheMemEntries, core.NewPeerBlobFetcher(node), metrics)
	if err != nil {
		return err
	}

	facade := core.NewFacade(ctx, store, node, blobs, metrics, priv, nil)
	facadeRef = facade
	node.RegisterSyncHandlers(store, facade.Topics, blobs)

	server := rpc.NewServer(facade)
	node.SetSystemEventSink(server.PushSystemEvent)
	blobs.SetSystemEventSink(server.PushSystemEvent)

	mux := http.NewServeMux()
	mux.Handle("/", server.Routes())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.RPC.ListenAddr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.RPC.ListenAddr).Info("rpc server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("rpc server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	_ = httpServer.Shutdown(context.Background())
	return nil
}
