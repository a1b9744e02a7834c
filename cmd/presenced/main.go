// Command presenced runs one replica of the gossiped presence tracker:
// it owns a set of topic shards, persists their snapshots, and
// exchanges deltas and full state with peers over libp2p.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rechain/presence/internal/api"
	"github.com/rechain/presence/internal/blobstore"
	"github.com/rechain/presence/internal/gossip"
	"github.com/rechain/presence/internal/presence"
	"github.com/rechain/presence/internal/security"
	"github.com/rechain/presence/internal/storage"
	"github.com/rechain/presence/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	replicaFlag := flag.String("replica", "", "this node's replica identity (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *replicaFlag != "" {
		cfg.Node.Replica = *replicaFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseStore, err := storage.NewBadgerStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer baseStore.Close()

	store, err := storage.NewMerkleStore(baseStore)
	if err != nil {
		log.Fatalf("failed to initialize merkle store: %v", err)
	}

	keyManager, err := security.NewKeyManager()
	if err != nil {
		log.Fatalf("failed to initialize security: %v", err)
	}

	bs, err := blobstore.New(
		cfg.Blobstore.Endpoint,
		cfg.Blobstore.AccessKey,
		cfg.Blobstore.SecretKey,
		cfg.Blobstore.Bucket,
		cfg.Blobstore.UseSSL,
		cfg.Blobstore.ChunkSize,
	)
	if err != nil {
		log.Fatalf("failed to initialize blobstore: %v", err)
	}

	gp, err := gossip.NewProtocol(cfg.Gossip.ListenAddress, presence.Replica(cfg.Node.Replica), keyManager, store)
	if err != nil {
		log.Fatalf("failed to initialize gossip protocol: %v", err)
	}
	defer gp.Stop()

	restoreShards(ctx, store, gp)

	for _, peerAddr := range cfg.Gossip.Bootstrap {
		if err := gp.AddPeer(peerAddr); err != nil {
			log.Printf("failed to add bootstrap peer %s: %v", peerAddr, err)
		}
	}

	grpcServer := api.NewGRPCServer()
	gp.SetHealthServer(grpcServer.Health)

	restServer := api.NewServer(gp, bs, keyManager)

	if cfg.API.REST.Enabled {
		go func() {
			log.Printf("starting REST API on %s", cfg.API.REST.Address)
			if err := restServer.Start(cfg.API.REST.Address); err != nil {
				log.Printf("REST API server error: %v", err)
			}
		}()
	}

	if cfg.API.GRPC.Enabled {
		go func() {
			log.Printf("starting gRPC health service on %s", cfg.API.GRPC.Address)
			if err := grpcServer.Start(cfg.API.GRPC.Address); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	if err := gp.Start(); err != nil {
		log.Fatalf("failed to start gossip protocol: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")

	if err := grpcServer.Stop(); err != nil {
		log.Printf("error stopping gRPC server: %v", err)
	}
	if err := restServer.Stop(); err != nil {
		log.Printf("error stopping REST server: %v", err)
	}
}

// restoreShards seeds every previously persisted shard snapshot back
// into gp before gossip starts, so a restarted replica resumes from its
// own causal history instead of re-learning everything from peers.
func restoreShards(ctx context.Context, store storage.Store, gp *gossip.Protocol) {
	err := store.Iterate(ctx, []byte(storage.ShardKeyPrefix), func(key, value []byte) error {
		topic := presence.Topic(strings.TrimPrefix(string(key), storage.ShardKeyPrefix))
		snap, ok, err := storage.LoadSnapshot(ctx, store, topic)
		if err != nil || !ok {
			return nil
		}
		gp.RestoreShard(topic, *snap)
		log.Printf("restored shard %s from snapshot", topic)
		return nil
	})
	if err != nil {
		log.Printf("failed to restore shards: %v", err)
	}
}
