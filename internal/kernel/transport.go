package kernel

import (
	"context"
	"errors"
	"sync"

	"github.com/go-zeromq/zmq4"
)

var ErrTransportUnavailable = errors.New("kernel: transport unavailable")

// ChannelTransport carries raw multipart frames to and from the interpreter:
// a point-to-point request channel and a subscribed broadcast channel.
type ChannelTransport interface {
	// SendRequest writes one multipart message on the request channel.
	SendRequest(frames [][]byte) error
	// Broadcasts yields inbound multipart messages from the broadcast
	// channel. The channel is closed when the transport closes.
	Broadcasts() <-chan [][]byte
	Close() error
}

// TransportFactory builds the channel transport for one descriptor. The
// factory is chosen at construction time; there is no runtime probing.
type TransportFactory func(ctx context.Context, desc ConnectionDescriptor) (ChannelTransport, error)

// NewZMQTransport dials the descriptor's request and broadcast endpoints
// over ZeroMQ (DEALER + SUB).
func NewZMQTransport(ctx context.Context, desc ConnectionDescriptor) (ChannelTransport, error) {
	dealer := zmq4.NewDealer(ctx)
	if err := dealer.Dial(desc.ShellEndpoint()); err != nil {
		return nil, errors.Join(ErrTransportUnavailable, err)
	}
	sub := zmq4.NewSub(ctx)
	if err := sub.Dial(desc.IOPubEndpoint()); err != nil {
		_ = dealer.Close()
		return nil, errors.Join(ErrTransportUnavailable, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = dealer.Close()
		_ = sub.Close()
		return nil, errors.Join(ErrTransportUnavailable, err)
	}
	t := &zmqTransport{
		dealer:     dealer,
		sub:        sub,
		broadcasts: make(chan [][]byte, 64),
		done:       make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// NewStubTransport returns the reduced-capability transport: sends fail with
// ErrTransportUnavailable and the broadcast channel never delivers.
func NewStubTransport(context.Context, ConnectionDescriptor) (ChannelTransport, error) {
	return &stubTransport{broadcasts: make(chan [][]byte)}, nil
}

type zmqTransport struct {
	dealer     zmq4.Socket
	sub        zmq4.Socket
	broadcasts chan [][]byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (t *zmqTransport) SendRequest(frames [][]byte) error {
	return t.dealer.Send(zmq4.NewMsgFrom(frames...))
}

func (t *zmqTransport) Broadcasts() <-chan [][]byte {
	return t.broadcasts
}

func (t *zmqTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = errors.Join(t.dealer.Close(), t.sub.Close())
	})
	return err
}

func (t *zmqTransport) readLoop() {
	defer close(t.broadcasts)
	for {
		msg, err := t.sub.Recv()
		if err != nil {
			return
		}
		select {
		case t.broadcasts <- msg.Frames:
		case <-t.done:
			return
		}
	}
}

type stubTransport struct {
	broadcasts chan [][]byte
	closeOnce  sync.Once
}

func (t *stubTransport) SendRequest([][]byte) error {
	return ErrTransportUnavailable
}

func (t *stubTransport) Broadcasts() <-chan [][]byte {
	return t.broadcasts
}

func (t *stubTransport) Close() error {
	t.closeOnce.Do(func() { close(t.broadcasts) })
	return nil
}
