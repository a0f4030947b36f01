package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/config"
	"github.com/johnewart/go-tribes/coordinator"
	"github.com/johnewart/go-tribes/membership/storage"
	"github.com/johnewart/go-tribes/metrics"
	"github.com/johnewart/go-tribes/replicated"
	"github.com/johnewart/go-tribes/transport"
	"github.com/johnewart/go-tribes/util"
	"zombiezen.com/go/log"
)

// Node wires a gRPC transport, a group channel, leader election and the
// configured replicated maps into one running member.
type Node struct {
	ctx         context.Context
	config      *config.NodeConfig
	local       *cluster.Member
	metrics     *metrics.Registry
	transport   *transport.GRPC
	store       storage.MemberStore
	group       *channel.GroupChannel
	coordinator *coordinator.Coordinator
	maps        map[string]*replicated.Map[string, []byte]

	purgeDone chan struct{}
	wg        sync.WaitGroup
}

func NewNode(ctx context.Context, cfg *config.NodeConfig) (*Node, error) {
	host := cfg.Host
	if host == "" {
		ip, err := util.GetIP()
		if err != nil {
			return nil, fmt.Errorf("unable to determine routable ip: %v", err)
		}
		host = ip
	}
	local, err := newMember(host, cfg.Port, []byte(cfg.Domain))
	if err != nil {
		return nil, err
	}

	seeds := make([]*cluster.Member, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		seedHost, seedPort, err := config.SplitSeed(s)
		if err != nil {
			return nil, err
		}
		seed, err := newMember(seedHost, seedPort, []byte(cfg.Domain))
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}

	registry := metrics.NewNoopRegistry()
	if cfg.MetricsPort > 0 {
		registry = metrics.NewRegistry("tribes", cfg.MetricsPort)
	}

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	grpcTransport := transport.NewGRPC(local, transport.GRPCConfig{})

	channelConfig := channel.DefaultConfig()
	channelConfig.HeartbeatInterval = cfg.HeartbeatInterval.Duration
	channelConfig.MemberExpiry = cfg.MemberExpiry.Duration
	channelConfig.Seeds = seeds
	channelConfig.Store = store
	channelConfig.Metrics = registry
	group := channel.NewGroupChannel(ctx, grpcTransport, channelConfig)

	coord := coordinator.NewCoordinator(ctx, group, coordinator.Config{
		SettleInterval: cfg.SettleInterval.Duration,
		Metrics:        registry,
	})

	maps := make(map[string]*replicated.Map[string, []byte], len(cfg.Maps))
	for _, mc := range cfg.Maps {
		maps[mc.Name] = replicated.NewMap[string, []byte](ctx, group, mc.Name, replicated.Config[string, []byte]{
			KeyCodec:   replicated.JSONCodec[string]{},
			ValueCodec: replicated.BytesCodec{},
			FullCopy:   mc.FullCopy,
			RpcTimeout: cfg.RpcTimeout.Duration,
			Metrics:    registry,
		})
	}

	return &Node{
		ctx:         ctx,
		config:      cfg,
		local:       local,
		metrics:     registry,
		transport:   grpcTransport,
		store:       store,
		group:       group,
		coordinator: coord,
		maps:        maps,
	}, nil
}

func newMember(host string, port int, domain []byte) (*cluster.Member, error) {
	if net.ParseIP(host) != nil {
		return cluster.NewMemberFromIP(host, port, domain)
	}
	return cluster.NewMember([]byte(host), port, domain), nil
}

// newStore picks the seed store: Postgres when a database url is set,
// otherwise Redis when a host is set, otherwise none.
func newStore(ctx context.Context, cfg config.StoreConfig) (storage.MemberStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		store, err := storage.NewPostgresqlMemberStore(cfg.DatabaseURL, cfg.TTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("unable to open member store: %v", err)
		}
		return store, nil
	case cfg.RedisHostPort != "":
		store := storage.NewRedisStore(cfg.RedisHostPort, cfg.TTL.Duration)
		if !store.Healthy(ctx) {
			return nil, fmt.Errorf("unable to connect to redis at %v", cfg.RedisHostPort)
		}
		return store, nil
	}
	return nil, nil
}

func (n *Node) Start() error {
	if n.config.MetricsPort > 0 {
		go func() {
			if err := n.metrics.Serve(); err != nil {
				log.Errorf(n.ctx, "Metrics endpoint stopped: %v", err)
			}
		}()
	}
	if err := n.coordinator.Start(); err != nil {
		return fmt.Errorf("unable to start coordinator: %v", err)
	}
	if err := n.group.Start(); err != nil {
		n.coordinator.Stop()
		n.closeMetrics()
		return fmt.Errorf("unable to start group channel: %v", err)
	}
	started := make([]*replicated.Map[string, []byte], 0, len(n.maps))
	for name, m := range n.maps {
		if err := m.Start(n.ctx); err != nil {
			for _, s := range started {
				if serr := s.Stop(n.ctx); serr != nil {
					log.Warnf(n.ctx, "Map %s did not stop cleanly: %v", s.Name(), serr)
				}
			}
			n.coordinator.Stop()
			if gerr := n.group.Stop(); gerr != nil {
				log.Warnf(n.ctx, "Group channel did not stop cleanly: %v", gerr)
			}
			n.closeMetrics()
			return fmt.Errorf("unable to start map %s: %v", name, err)
		}
		started = append(started, m)
	}
	if purger, ok := n.store.(storage.Purger); ok && n.config.Store.TTL.Duration > 0 {
		n.purgeDone = make(chan struct{})
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.purgeLoop(purger, n.config.Store.TTL.Duration)
		}()
	}
	log.Infof(n.ctx, "Node %v started with %d map(s)", n.local, len(n.maps))
	return nil
}

// purgeLoop clears stale seed rows once per ttl. Only the elected leader
// purges so the members do not race on the same rows.
func (n *Node) purgeLoop(purger storage.Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.purgeDone:
			return
		case <-ticker.C:
		}
		if !n.coordinator.IsLeader() {
			continue
		}
		removed, err := purger.Purge(n.ctx)
		if err != nil {
			log.Warnf(n.ctx, "Unable to purge member store: %v", err)
			continue
		}
		if removed > 0 {
			log.Infof(n.ctx, "Purged %d stale member(s) from the store", removed)
		}
	}
}

func (n *Node) closeMetrics() {
	if err := n.metrics.Close(); err != nil {
		log.Warnf(n.ctx, "Unable to close metrics: %v", err)
	}
}

func (n *Node) Stop() error {
	if n.purgeDone != nil {
		close(n.purgeDone)
		n.wg.Wait()
		n.purgeDone = nil
	}
	for name, m := range n.maps {
		if err := m.Stop(n.ctx); err != nil {
			log.Warnf(n.ctx, "Map %s did not stop cleanly: %v", name, err)
		}
	}
	n.coordinator.Stop()
	err := n.group.Stop()
	n.closeMetrics()
	return err
}

func (n *Node) LocalMember() *cluster.Member {
	return n.local
}

func (n *Node) Group() *channel.GroupChannel {
	return n.group
}

func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coordinator
}

func (n *Node) Metrics() *metrics.Registry {
	return n.metrics
}

// Map returns the replicated map configured under name, or nil.
func (n *Node) Map(name string) *replicated.Map[string, []byte] {
	return n.maps[name]
}
