package transport

import (
	"context"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"sync"
	"zombiezen.com/go/log"
)

// ConnectionPool keeps one client connection per member address.
type ConnectionPool struct {
	sync.Map
}

func (p *ConnectionPool) GetConnection(address string) (*grpc.ClientConn, error) {
	if conn, ok := p.getConnection(address); ok {
		return conn, nil
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	if existing, loaded := p.LoadOrStore(address, conn); loaded {
		conn.Close()
		return existing.(*grpc.ClientConn), nil
	}
	return conn, nil
}

func (p *ConnectionPool) getConnection(address string) (*grpc.ClientConn, bool) {
	if item, ok := p.Load(address); !ok {
		return nil, false
	} else {
		return item.(*grpc.ClientConn), true
	}
}

// Evict closes and forgets the connection to address, e.g. after a failed
// send, so the next send dials again.
func (p *ConnectionPool) Evict(address string) {
	if item, ok := p.LoadAndDelete(address); ok {
		if err := item.(*grpc.ClientConn).Close(); err != nil {
			log.Debugf(context.Background(), "Unable to close connection to %s: %v", address, err)
		}
	}
}

func (p *ConnectionPool) Close() {
	p.Range(func(key, _ interface{}) bool {
		p.Evict(key.(string))
		return true
	})
}
