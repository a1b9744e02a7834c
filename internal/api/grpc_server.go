package api

import (
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the standard gRPC health checking protocol,
// reporting per-shard serving status as gossip observes replicas
// going up and down.
type GRPCServer struct {
	server *grpc.Server
	Health *health.Server
}

// NewGRPCServer creates a gRPC server exposing grpc.health.v1.Health.
// Callers must pass the returned Health server to
// gossip.Protocol.SetHealthServer before replica events start firing.
func NewGRPCServer() *GRPCServer {
	s := grpc.NewServer()
	hs := health.NewServer()

	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &GRPCServer{server: s, Health: hs}
}

// Start starts the gRPC server.
func (g *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Printf("gRPC server starting on %s", addr)
	return g.server.Serve(lis)
}

// Stop stops the gRPC server.
func (g *GRPCServer) Stop() error {
	g.server.GracefulStop()
	return nil
}
