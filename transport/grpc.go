package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"zombiezen.com/go/log"
)

type GRPCConfig struct {
	// ListenAddress defaults to ":<local port>".
	ListenAddress string
	SendTimeout   time.Duration
	InboxSize     int
}

// GRPC carries envelopes as tribes.ChannelService/Deliver calls. Each node
// runs the service and dials its peers through a ConnectionPool.
type GRPC struct {
	config     GRPCConfig
	local      *cluster.Member
	pool       *ConnectionPool
	startEpoch int64

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	inbox    chan []byte
	done     chan struct{}
	running  bool
}

func NewGRPC(local *cluster.Member, config GRPCConfig) *GRPC {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 1024
	}
	if config.ListenAddress == "" {
		config.ListenAddress = fmt.Sprintf(":%d", local.Port)
	}
	return &GRPC{
		config: config,
		local:  local,
		pool:   &ConnectionPool{},
	}
}

func (t *GRPC) LocalMember() *cluster.Member {
	return t.local
}

func (t *GRPC) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	lis, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %v", t.config.ListenAddress, err)
	}

	t.listener = lis
	t.inbox = make(chan []byte, t.config.InboxSize)
	t.done = make(chan struct{})
	t.startEpoch = time.Now().UnixMicro()
	t.server = grpc.NewServer()
	t.server.RegisterService(&channelServiceDesc, &channelService{transport: t, inbox: t.inbox, done: t.done})
	t.running = true

	server := t.server
	go func() {
		log.Infof(ctx, "Channel service listening on %s", lis.Addr())
		if err := server.Serve(lis); err != nil {
			log.Warnf(ctx, "Channel service stopped: %v", err)
		}
	}()
	return nil
}

func (t *GRPC) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	close(t.done)
	t.server.Stop()
	t.pool.Close()
	t.running = false
	return nil
}

// Addr is the address the service listens on once started.
func (t *GRPC) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *GRPC) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	inbox, done, running := t.inbox, t.done, t.running
	t.mu.Unlock()
	if !running {
		return nil, channel.ErrClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, channel.ErrClosed
	case data := <-inbox:
		return data, nil
	}
}

// SendTo delivers data to every member concurrently. Deliver returns once
// the peer has queued the message, so every send is acknowledged.
func (t *GRPC) SendTo(ctx context.Context, members []*cluster.Member, data []byte, options channel.Options) error {
	faults := channel.NewChannelError()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, m := range members {
		wg.Add(1)
		go func(m *cluster.Member) {
			defer wg.Done()
			if err := t.sendOne(ctx, m, data); err != nil {
				mu.Lock()
				faults.Add(m, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return faults.ErrOrNil()
}

func (t *GRPC) sendOne(ctx context.Context, m *cluster.Member, data []byte) error {
	address := m.Address()
	conn, err := t.pool.GetConnection(address)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %v", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.SendTimeout)
	defer cancel()
	if err := invokeDeliver(ctx, conn, data); err != nil {
		t.pool.Evict(address)
		return fmt.Errorf("unable to deliver to %s: %v", address, err)
	}
	return nil
}

// Ping returns the start epoch of the peer's transport.
func (t *GRPC) Ping(ctx context.Context, m *cluster.Member) (int64, error) {
	conn, err := t.pool.GetConnection(m.Address())
	if err != nil {
		return 0, fmt.Errorf("unable to dial %s: %v", m.Address(), err)
	}
	return invokePing(ctx, conn)
}

type channelService struct {
	transport *GRPC
	inbox     chan []byte
	done      chan struct{}
}

func (s *channelService) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	select {
	case s.inbox <- in.GetValue():
		return &emptypb.Empty{}, nil
	case <-s.done:
		return nil, status.Error(codes.Unavailable, "channel stopped")
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (s *channelService) Ping(_ context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	return wrapperspb.Int64(s.transport.startEpoch), nil
}
