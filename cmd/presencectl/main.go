// Command presencectl is an operator CLI for a running presenced node:
// replica/topic membership operations over REST, and liveness checks
// over the standard gRPC health protocol.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	grpcAddr string
	restAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presencectl",
		Short: "presence node CLI",
	}

	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", "localhost:9090", "gRPC health server address")
	rootCmd.PersistentFlags().StringVar(&restAddr, "rest-addr", "http://localhost:1317", "REST API base address")

	rootCmd.AddCommand(
		healthCmd(),
		memberCmd(),
		replicaCmd(),
		blobCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a shard's serving status via grpc.health.v1",
		Run: func(cmd *cobra.Command, args []string) {
			conn, err := grpc.Dial(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				fatalf("failed to connect: %v", err)
			}
			defer conn.Close()

			client := healthpb.NewHealthClient(conn)
			resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				fatalf("health check failed: %v", err)
			}

			printJSON(map[string]string{"service": service, "status": resp.Status.String()})
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service name, formatted as <topic>/<replica>")
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Membership operations",
	}

	cmd.AddCommand(joinCmd(), leaveCmd())
	return cmd
}

func joinCmd() *cobra.Command {
	var replica, topic, owner, key, metaJSON string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join (owner, key) to a topic",
		Run: func(cmd *cobra.Command, args []string) {
			var meta map[string]interface{}
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					fatalf("invalid --meta JSON: %v", err)
				}
			}

			body, _ := json.Marshal(map[string]interface{}{
				"owner": owner,
				"key":   key,
				"meta":  meta,
			})

			path := fmt.Sprintf("/v1/replicas/%s/topics/%s/members", url.PathEscape(replica), url.PathEscape(topic))
			resp := doRequest(http.MethodPost, path, body)
			printRaw(resp)
		},
	}

	cmd.Flags().StringVar(&replica, "replica", "", "replica handling the request")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.Flags().StringVar(&key, "key", "", "membership key")
	cmd.Flags().StringVar(&metaJSON, "meta", "", "JSON-encoded meta map")
	cmd.MarkFlagRequired("replica")
	cmd.MarkFlagRequired("topic")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("key")

	return cmd
}

func leaveCmd() *cobra.Command {
	var replica, topic, owner, key string

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Remove (owner, key) from a topic",
		Run: func(cmd *cobra.Command, args []string) {
			path := fmt.Sprintf("/v1/replicas/%s/topics/%s/members/%s/%s",
				url.PathEscape(replica), url.PathEscape(topic), url.PathEscape(owner), url.PathEscape(key))
			resp := doRequest(http.MethodDelete, path, nil)
			printRaw(resp)
		},
	}

	cmd.Flags().StringVar(&replica, "replica", "", "replica handling the request")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.Flags().StringVar(&key, "key", "", "membership key")
	cmd.MarkFlagRequired("replica")
	cmd.MarkFlagRequired("topic")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("key")

	return cmd
}

func replicaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Replica-scoped queries",
	}

	cmd.AddCommand(onlineCmd(), topicCmd(), clocksCmd())
	return cmd
}

func onlineCmd() *cobra.Command {
	var replica, topic string

	cmd := &cobra.Command{
		Use:   "online",
		Short: "List online members of a topic",
		Run: func(cmd *cobra.Command, args []string) {
			path := fmt.Sprintf("/v1/replicas/%s/online?topic=%s", url.PathEscape(replica), url.QueryEscape(topic))
			printRaw(doRequest(http.MethodGet, path, nil))
		},
	}

	cmd.Flags().StringVar(&replica, "replica", "", "replica handling the request")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.MarkFlagRequired("replica")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func topicCmd() *cobra.Command {
	var replica, topic string

	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Get a topic's members",
		Run: func(cmd *cobra.Command, args []string) {
			path := fmt.Sprintf("/v1/replicas/%s/topics/%s", url.PathEscape(replica), url.PathEscape(topic))
			printRaw(doRequest(http.MethodGet, path, nil))
		},
	}

	cmd.Flags().StringVar(&replica, "replica", "", "replica handling the request")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.MarkFlagRequired("replica")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func clocksCmd() *cobra.Command {
	var replica, topic string

	cmd := &cobra.Command{
		Use:   "clocks",
		Short: "Get a topic's causal summary",
		Run: func(cmd *cobra.Command, args []string) {
			path := fmt.Sprintf("/v1/replicas/%s/clocks?topic=%s", url.PathEscape(replica), url.QueryEscape(topic))
			printRaw(doRequest(http.MethodGet, path, nil))
		},
	}

	cmd.Flags().StringVar(&replica, "replica", "", "replica handling the request")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.MarkFlagRequired("replica")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func blobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Overflow Meta blob operations",
	}

	var filePath string
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Store a file as an overflow blob",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(filePath)
			if err != nil {
				fatalf("failed to read file: %v", err)
			}
			printRaw(doRequest(http.MethodPost, "/v1/blobs", data))
		},
	}
	storeCmd.Flags().StringVar(&filePath, "file", "", "file to store")
	storeCmd.MarkFlagRequired("file")

	var cid, outputPath string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Download a blob by CID",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := http.Get(restAddr + "/v1/blobs/" + url.PathEscape(cid))
			if err != nil {
				fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			out, err := os.Create(outputPath)
			if err != nil {
				fatalf("failed to create output file: %v", err)
			}
			defer out.Close()

			if _, err := io.Copy(out, resp.Body); err != nil {
				fatalf("failed to write output file: %v", err)
			}
			fmt.Printf("blob saved to %s\n", outputPath)
		},
	}
	getCmd.Flags().StringVar(&cid, "cid", "", "blob content ID")
	getCmd.Flags().StringVar(&outputPath, "out", "", "output file path")
	getCmd.MarkFlagRequired("cid")
	getCmd.MarkFlagRequired("out")

	cmd.AddCommand(storeCmd, getCmd)
	return cmd
}

func doRequest(method, path string, body []byte) []byte {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, restAddr+path, reader)
	if err != nil {
		fatalf("failed to build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("failed to read response: %v", err)
	}
	return data
}

func printRaw(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	printJSON(v)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("failed to marshal JSON: %v", err)
	}
	fmt.Println(string(data))
}

func fatalf(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
