package channel

import "strings"

// Options is the delivery bitmask carried on every envelope.
type Options uint32

const (
	// OptionNone is fire-and-forget delivery.
	OptionNone Options = 0
	// OptionUseAck asks the transport to confirm receipt and report
	// unreachable destinations.
	OptionUseAck Options = 0x0002
	// OptionSynchronizedAck waits until the receiver has processed the
	// message before Send returns.
	OptionSynchronizedAck Options = 0x0004
	// OptionAsynchronous returns from Send before the transport has
	// finished; failures are only logged.
	OptionAsynchronous Options = 0x0008

	// OptionOrdered delivers messages from one sender in send order.
	OptionOrdered Options = 0x0100
	// OptionFragment marks a piece of a larger message. Set by the channel.
	OptionFragment Options = 0x0200
	// OptionHeartbeat marks a membership announcement. Set by the channel.
	OptionHeartbeat Options = 0x0400
)

func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

func (o Options) Without(flag Options) Options {
	return o &^ flag
}

func (o Options) String() string {
	if o == OptionNone {
		return "none"
	}
	names := make([]string, 0)
	for _, f := range []struct {
		flag Options
		name string
	}{
		{OptionUseAck, "ack"},
		{OptionSynchronizedAck, "sync-ack"},
		{OptionAsynchronous, "async"},
		{OptionOrdered, "ordered"},
		{OptionFragment, "fragment"},
		{OptionHeartbeat, "heartbeat"},
	} {
		if o.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}
