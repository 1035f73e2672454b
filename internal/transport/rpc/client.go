package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"resilience/internal/transport"
)

// Client is a transport.Endpoint backed by a remote group hub.
type Client struct {
	conn    *grpc.ClientConn
	session string
	rank    int

	faults chan transport.FaultNotice

	closeOnce sync.Once
	cancel    context.CancelFunc
	watchDone chan struct{}
}

var _ transport.Endpoint = (*Client)(nil)

func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}

// Join attaches this process to the hub. With replace set the process takes
// over the identity of a lost rank.
func Join(ctx context.Context, conn *grpc.ClientConn, rank int, replace bool, faultQueueSize int) (*Client, error) {
	in := pack(&JoinRequest{Rank: rank, Replace: replace})
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, methodJoin, in, out); err != nil {
		return nil, endpointError("join", err)
	}
	var resp JoinResponse
	if err := unpack(out, &resp); err != nil {
		return nil, err
	}

	if faultQueueSize <= 0 {
		faultQueueSize = 16
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		session:   resp.Session,
		rank:      resp.Rank,
		faults:    make(chan transport.FaultNotice, faultQueueSize),
		cancel:    cancel,
		watchDone: make(chan struct{}),
	}

	stream, err := conn.NewStream(watchCtx, &watchFaultsDesc, methodWatchFaults)
	if err != nil {
		cancel()
		return nil, endpointError("watch faults", err)
	}
	if err := stream.SendMsg(pack(&SessionRequest{Session: c.session})); err != nil {
		cancel()
		return nil, endpointError("watch faults", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, endpointError("watch faults", err)
	}

	go c.watch(stream)

	slog.Info("joined group hub", "session", c.session, "rank", c.rank, "replace", replace)
	return c, nil
}

func (c *Client) Rank() int { return c.rank }

func (c *Client) watch(stream grpc.ClientStream) {
	defer close(c.watchDone)
	defer close(c.faults)

	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("fault stream ended", "rank", c.rank, "error", err)
			}
			return
		}
		var n transport.FaultNotice
		if err := unpack(msg, (*noticeMessage)(&n)); err != nil {
			slog.Warn("dropping malformed fault notice", "error", err)
			continue
		}
		select {
		case c.faults <- n:
		default:
			slog.Warn("fault queue full, dropping notice", "rank", c.rank, "generation", n.Generation)
		}
	}
}

func (c *Client) call(ctx context.Context, method, op string, req, resp wireMessage) error {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, method, pack(req), out); err != nil {
		return endpointError(op, err)
	}
	if resp == nil {
		return nil
	}
	return unpack(out, resp)
}

func (c *Client) Membership(ctx context.Context) (transport.Membership, error) {
	var m transport.Membership
	err := c.call(ctx, methodMembership, "membership", &SessionRequest{Session: c.session}, (*membershipMessage)(&m))
	return m, err
}

func (c *Client) AllReduce(ctx context.Context, key string, op transport.Op, v transport.Value) (transport.Value, error) {
	var out transport.Value
	err := c.call(ctx, methodAllReduce, fmt.Sprintf("allreduce %s", key), &AllReduceRequest{
		Session: c.session,
		Key:     key,
		Op:      op,
		Value:   v,
	}, (*valueMessage)(&out))
	return out, err
}

func (c *Client) Send(ctx context.Context, dest int, tag string, payload []byte) error {
	return c.call(ctx, methodSend, "send", &SendRequest{
		Session: c.session,
		Dest:    dest,
		Tag:     tag,
		Payload: payload,
	}, nil)
}

func (c *Client) Recv(ctx context.Context, src int, tag string) ([]byte, error) {
	var resp RecvResponse
	err := c.call(ctx, methodRecv, "recv", &RecvRequest{
		Session: c.session,
		Src:     src,
		Tag:     tag,
	}, &resp)
	return resp.Payload, err
}

func (c *Client) Drain(tag string) []transport.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp DrainResponse
	if err := c.call(ctx, methodDrain, "drain", &DrainRequest{Session: c.session, Tag: tag}, &resp); err != nil {
		slog.Warn("drain failed", "tag", tag, "error", err)
		return nil
	}
	return resp.Messages
}

func (c *Client) RaiseFault(ctx context.Context, generation uint64, reason string) error {
	return c.call(ctx, methodRaiseFault, "raise fault", &RaiseFaultRequest{
		Session:    c.session,
		Generation: generation,
		Reason:     reason,
	}, nil)
}

func (c *Client) Faults() <-chan transport.FaultNotice {
	return c.faults
}

func (c *Client) Abort(ctx context.Context, code int, reason string) error {
	return c.call(ctx, methodAbort, "abort", &AbortRequest{
		Session: c.session,
		Code:    code,
		Reason:  reason,
	}, nil)
}

// Close leaves the group cleanly so the hub does not treat the dropped
// stream as a lost rank.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = c.call(ctx, methodLeave, "leave", &SessionRequest{Session: c.session}, nil)
		c.cancel()
		<-c.watchDone
		err = multierr.Append(err, c.conn.Close())
	})
	return err
}
