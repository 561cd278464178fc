package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/cordata/raftd/internal/node"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/service"
)

var (
	id       = flag.Uint64("id", 1, "This node's server ID")
	group    = flag.String("group", "default", "Consensus group ID")
	bindPort = flag.Int("bind", 50056, "Admin/health gRPC port")
	raftAddr = flag.String("raft-addr", ":9001", "Address this node's peer transport listens on")
	peers    = flag.String("peers", "", "Comma-separated peer list, id@host:port,id@host:port")
	dataDir  = flag.String("data-dir", "./data", "Directory for this node's metadata file")

	usePostgres     = flag.Bool("postgres", false, "Store the log in Postgres instead of in-memory")
	postgresHost    = flag.String("postgres-host", "localhost", "Postgres host")
	postgresPort    = flag.Int("postgres-port", 5432, "Postgres port")
	postgresUser    = flag.String("postgres-user", "raftd", "Postgres user")
	postgresPass    = flag.String("postgres-password", "raftd", "Postgres password")
	postgresDB      = flag.String("postgres-database", "raftd", "Postgres database")
	postgresSSLMode = flag.String("postgres-sslmode", "disable", "Postgres SSL mode")

	useRedis     = flag.Bool("redis", false, "Back up state machine snapshots to Redis")
	redisHost    = flag.String("redis-host", "localhost", "Redis host")
	redisPort    = flag.Int("redis-port", 6379, "Redis port")
	redisPass    = flag.String("redis-password", "", "Redis password")

	serviceVersion = "1.0.0"
)

// parsePeers parses "id@host:port,id@host:port" into a peer address table.
func parsePeers(s string) (map[raft.ServerId]string, error) {
	result := make(map[raft.ServerId]string)
	if s == "" {
		return result, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer entry %q, expected id@host:port", entry)
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id in %q: %w", entry, err)
		}
		result[raft.ServerId(n)] = parts[1]
	}
	return result, nil
}

func main() {
	flag.Parse()

	peerAddrs, err := parsePeers(*peers)
	if err != nil {
		log.Fatalf("invalid -peers: %v", err)
	}

	bootstrap := map[raft.ServerId]raft.Role{raft.ServerId(*id): raft.RoleMember}
	for peerID := range peerAddrs {
		bootstrap[peerID] = raft.RoleMember
	}

	opts := node.Options{
		Self:      raft.ServerId(*id),
		GroupId:   *group,
		DataDir:   *dataDir,
		RaftAddr:  *raftAddr,
		Peers:     peerAddrs,
		Bootstrap: bootstrap,
	}

	if *usePostgres {
		opts.Postgres = &node.PostgresOptions{
			Host:     *postgresHost,
			Port:     *postgresPort,
			User:     *postgresUser,
			Password: *postgresPass,
			Database: *postgresDB,
			SSLMode:  *postgresSSLMode,
		}
	}
	if *useRedis {
		opts.Redis = &node.RedisOptions{
			Host:     *redisHost,
			Port:     *redisPort,
			Password: *redisPass,
		}
	}

	impl := node.NewService(opts)
	svc := service.NewBaseService("raftnode", serviceVersion, *bindPort, impl)

	ctx := context.Background()
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("raftnode exited: %v", err)
	}
}
