// Command replicad launches one replica of the cluster (§6.4): it parses
// flags/config, wires the StateMachine to its PersistenceDriver, starts
// the ClientEndpoint and PeerEndpoint, and runs until a termination
// signal arrives. Grounded on the teacher's main/shutdown.go: signal.Notify
// on SIGINT/SIGTERM/SIGHUP, and a graceful-shutdown sequence that stops
// accepting new connections before tearing down the cluster node.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/replikit/chatcluster/internal/adminmon"
	"github.com/replikit/chatcluster/internal/chatstate"
	"github.com/replikit/chatcluster/internal/clientapi"
	"github.com/replikit/chatcluster/internal/config"
	"github.com/replikit/chatcluster/internal/metrics"
	"github.com/replikit/chatcluster/internal/notify"
	"github.com/replikit/chatcluster/internal/notify/fcm"
	"github.com/replikit/chatcluster/internal/notify/sns"
	"github.com/replikit/chatcluster/internal/peer"
	"github.com/replikit/chatcluster/internal/store/jsonfile"
	"github.com/replikit/chatcluster/internal/store/mongostore"
	"github.com/replikit/chatcluster/internal/store/sqlstore"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("replicad: %v", err)
	}

	persist, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("replicad: %v", err)
	}
	defer closeStore()

	stats := metrics.NewRegistry()

	replicaID := cfg.ClientAddr
	registry := notify.NewRegistry()

	sm, err := chatstate.New(replicaID, persist, chatstate.NopBroadcaster{}, registry)
	if err != nil {
		log.Fatalf("replicad: state machine load: %v", err)
	}
	registry.SetLookup(sm.DeviceToken)

	registry.Register("fcm", &fcm.Handler{})
	registry.Register("sns", &sns.Handler{})
	if len(cfg.PushConfig) > 0 {
		if err := registry.Init(string(cfg.PushConfig)); err != nil {
			log.Printf("replicad: push config: %v", err)
		}
	}
	defer registry.Stop()

	feed := adminmon.NewFeed()

	peerEP, err := peer.NewEndpoint(cfg.PeerAddr, cfg.PeerAddrs, sm, stats)
	if err != nil {
		log.Fatalf("replicad: peer listen %s: %v", cfg.PeerAddr, err)
	}
	peerEP.SetFeed(feed)
	sm.SetBroadcaster(peer.NewReplicator(peerEP))

	clientEP, err := clientapi.NewEndpoint(cfg.ClientAddr, sm, stats)
	if err != nil {
		log.Fatalf("replicad: client listen %s: %v", cfg.ClientAddr, err)
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go peerEP.RunSweep(sweepCtx)

	go func() {
		if err := peerEP.Serve(); err != nil {
			log.Printf("replicad: peer endpoint stopped: %v", err)
		}
	}()
	go func() {
		if err := clientEP.Serve(); err != nil {
			log.Printf("replicad: client endpoint stopped: %v", err)
		}
	}()

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/admin/feed", feed.Handler())
		adminSrv = &http.Server{Addr: cfg.AdminAddr, Handler: mux}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("replicad: admin listener: %v", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: stats.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("replicad: metrics listener: %v", err)
			}
		}()
	}

	log.Printf("replicad: replica %d/%d client=%s peer=%s", cfg.ReplicaIndex, cfg.NumServers, cfg.ClientAddr, cfg.PeerAddr)

	waitForShutdown()

	log.Print("replicad: shutting down")
	cancelSweep()
	clientEP.Close()
	clientEP.Wait() // drain in-flight client handlers before tearing down (§4.2)
	peerEP.Close()
	if adminSrv != nil {
		adminSrv.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	log.Printf("replicad: signal received: %s", sig)
}

func openStore(cfg config.Config) (chatstate.PersistenceDriver, func(), error) {
	switch cfg.StoreBackend {
	case "", "jsonfile":
		d, err := jsonfile.New(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil

	case "sql":
		d, err := sqlstore.Open(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil

	case "mongo":
		d, err := mongostore.Open(cfg.StoreDSN, "chatcluster")
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	}
	log.Fatalf("replicad: unknown store_backend %q", cfg.StoreBackend)
	return nil, nil, nil
}
