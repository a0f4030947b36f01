package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/metrics"
	"zombiezen.com/go/log"
)

// Group is the part of the group channel the RPC layer needs.
type Group interface {
	Send(ctx context.Context, members []*cluster.Member, payload []byte, options channel.Options) (*channel.Message, error)
	AddListener(l channel.Listener)
	RemoveListener(l channel.Listener)
}

// Callback answers requests and receives replies that arrived too late.
type Callback interface {
	// ReplyRequest returns the reply payload. Returning nil or an empty
	// slice declines, which sends a no-data reply.
	ReplyRequest(payload []byte, sender *cluster.Member) []byte
	LeftOver(payload []byte, sender *cluster.Member)
}

// ErrorHandler is told when a reply could not be sent back.
type ErrorHandler func(err error, request *channel.Message)

type Config struct {
	Metrics      *metrics.Registry
	ErrorHandler ErrorHandler
}

// Channel correlates requests sent over a group channel with the replies
// they produce. Several Channels may share one group channel; each only
// handles messages carrying its own rpc id.
type Channel struct {
	ctx          context.Context
	group        Group
	rpcID        []byte
	callback     Callback
	errorHandler ErrorHandler
	metrics      *metrics.Registry

	collectors sync.Map
}

func NewChannel(ctx context.Context, group Group, rpcID []byte, callback Callback, config Config) *Channel {
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopRegistry()
	}
	c := &Channel{
		ctx:          ctx,
		group:        group,
		rpcID:        append([]byte(nil), rpcID...),
		callback:     callback,
		errorHandler: config.ErrorHandler,
		metrics:      config.Metrics,
	}
	group.AddListener(c)
	return c
}

func (c *Channel) RpcID() []byte {
	return c.rpcID
}

// Send delivers payload to every destination and waits until policy is
// satisfied, the timeout fires or ctx is done. A timeout is not an error: the
// responses collected so far are returned. When some destinations could not
// be reached the *channel.ChannelError is returned alongside the responses
// of the others.
func (c *Channel) Send(ctx context.Context, destinations []*cluster.Member, payload []byte, policy Policy, options channel.Options, timeout time.Duration) ([]Response, error) {
	if len(destinations) == 0 {
		return []Response{}, nil
	}

	var (
		responses []Response
		sendErr   error
	)
	err := c.metrics.TimeRPC(policy.String(), func() error {
		key := cluster.NewUniqueID()
		request := &Message{Reply: false, UUID: key, RpcID: c.rpcID, Payload: payload}
		options = options.Without(channel.OptionSynchronizedAck)

		if policy == NoReply {
			_, sendErr = c.group.Send(ctx, destinations, request.Encode(), options)
			responses = []Response{}
			return classify(sendErr)
		}

		col := newCollector(policy, len(destinations))
		c.collectors.Store(key, col)
		defer c.collectors.Delete(key)

		_, sendErr = c.group.Send(ctx, destinations, request.Encode(), options)
		if err := classify(sendErr); err != nil {
			return err
		}
		var ce *channel.ChannelError
		if errors.As(sendErr, &ce) {
			for range ce.Faulty {
				col.decline()
			}
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-col.done:
		case <-timer.C:
			c.metrics.CountRPCTimeout(policy.String())
			log.Debugf(ctx, "RPC %s timed out after %v", key, timeout)
		case <-ctx.Done():
		}
		responses = col.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return responses, sendErr
}

// classify returns err unless it is a partial delivery failure, which Send
// reports together with the responses.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *channel.ChannelError
	if errors.As(err, &ce) {
		return nil
	}
	return fmt.Errorf("unable to send rpc: %w", err)
}

func (c *Channel) Accept(msg *channel.Message) bool {
	if len(msg.Payload) < 1 || msg.Payload[0] > 1 {
		return false
	}
	rm, err := DecodeMessage(msg.Payload)
	if err != nil {
		return false
	}
	return bytes.Equal(rm.RpcID, c.rpcID)
}

func (c *Channel) MessageReceived(msg *channel.Message) {
	rm, err := DecodeMessage(msg.Payload)
	if err != nil {
		log.Warnf(c.ctx, "Dropping rpc message from %v: %v", msg.Address, err)
		return
	}

	if rm.Reply {
		c.handleReply(rm, msg.Address)
		return
	}

	var reply []byte
	if c.callback != nil {
		reply = c.callback.ReplyRequest(rm.Payload, msg.Address)
	}
	response := &Message{Reply: true, UUID: rm.UUID, RpcID: c.rpcID, Payload: reply}
	options := msg.Options.Without(channel.OptionSynchronizedAck)
	if _, err := c.group.Send(c.ctx, []*cluster.Member{msg.Address}, response.Encode(), options); err != nil {
		if c.errorHandler != nil {
			c.errorHandler(err, msg)
		} else {
			log.Warnf(c.ctx, "Unable to send rpc reply to %v: %v", msg.Address, err)
		}
	}
}

func (c *Channel) handleReply(rm *Message, sender *cluster.Member) {
	if item, ok := c.collectors.Load(rm.UUID); ok {
		col := item.(*collector)
		if rm.NoData() {
			col.decline()
		} else {
			col.add(Response{Source: sender, Message: rm.Payload})
		}
		return
	}

	if rm.NoData() {
		return
	}
	c.metrics.CountLeftOver()
	if c.callback != nil {
		c.callback.LeftOver(rm.Payload, sender)
	} else {
		log.Debugf(c.ctx, "Dropping late reply %s from %v", rm.UUID, sender)
	}
}

// Close stops handling messages for this rpc id.
func (c *Channel) Close() {
	c.group.RemoveListener(c)
}
