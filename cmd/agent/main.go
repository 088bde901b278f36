package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plugin-fleet/pkg/agent"
	"plugin-fleet/pkg/api"
	"plugin-fleet/pkg/logging"
	"plugin-fleet/pkg/version"
)

func main() {
	defaultController := os.Getenv("CONTROLLER_ADDR")
	if defaultController == "" {
		defaultController = "http://127.0.0.1:8080"
	}
	defaultLevel := os.Getenv("LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}

	showVersion := flag.Bool("v", false, "print version and exit")
	controller := flag.String("controller", defaultController, "controller base URL (env CONTROLLER_ADDR)")
	clusterID := flag.String("cluster", os.Getenv("CLUSTER_ID"), "cluster id (env CLUSTER_ID)")
	nodeIP := flag.String("node", os.Getenv("NODE_IP"), "address of this node as registered on the controller (env NODE_IP)")
	authToken := flag.String("token", os.Getenv("AUTH_TOKEN"), "auth token or JWT (env AUTH_TOKEN)")
	stateDB := flag.String("state-db", agent.DefaultStatePath, "sqlite inventory path")
	caFile := flag.String("ca", os.Getenv("CA_FILE"), "CA file for controller TLS (optional)")
	clientCert := flag.String("cert", "", "client TLS certificate (for mTLS)")
	clientKey := flag.String("key", "", "client TLS key (for mTLS)")
	syncInterval := flag.Duration("sync-interval", 30*time.Second, "inventory sync interval")
	pollInterval := flag.Duration("poll-interval", 10*time.Second, "command poll interval")
	push := flag.Bool("push", true, "listen for command notifications over websocket")
	consulAddr := flag.String("consul-addr", "", "watch desired plugins in consul and sync on change (build tag consul)")
	consulToken := flag.String("consul-token", os.Getenv("CONSUL_HTTP_TOKEN"), "consul ACL token")
	logLevel := flag.String("log-level", defaultLevel, "trace|debug|info|warn|error")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}
	logger := logging.New("agent", *logLevel, nil)
	if *clusterID == "" || *nodeIP == "" {
		logger.Error("cluster and node are required (flags --cluster/--node or env CLUSTER_ID/NODE_IP)")
		os.Exit(1)
	}

	tlsCfg, err := api.ClientTLSConfig(*caFile, *clientCert, *clientKey)
	if err != nil {
		logger.Error("tls config failed", "error", err)
		os.Exit(1)
	}
	httpClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inv, err := agent.OpenInventory(ctx, *stateDB, nil)
	if err != nil {
		logger.Error("inventory open failed", "path", *stateDB, "error", err)
		os.Exit(1)
	}
	defer inv.Close()

	a := agent.New(agent.Config{
		Controller:   *controller,
		ClusterID:    *clusterID,
		NodeIP:       *nodeIP,
		Token:        *authToken,
		SyncInterval: *syncInterval,
		PollInterval: *pollInterval,
		Push:         *push,
		TLS:          tlsCfg,
	}, agent.NewClient(*controller, *authToken, httpClient), inv, nil, logger)

	if *consulAddr != "" {
		if !agent.WatchEnabled() {
			logger.Warn("consul watch requested but binary was built without the consul tag")
		} else if err := agent.StartDesiredWatch(ctx, *consulAddr, *consulToken, *clusterID, a.TriggerSync); err != nil {
			logger.Warn("consul watch failed", "error", err)
		}
	}

	logger.Info("agent started", "version", version.Get().String(), "controller", *controller,
		"cluster", *clusterID, "node", *nodeIP)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}
