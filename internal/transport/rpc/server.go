package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"resilience/internal/metrics"
	"resilience/internal/transport"
	"resilience/internal/transport/local"
)

type session struct {
	endpoint *local.Endpoint
	left     bool
}

// Server exposes a local.Hub to ranks running in other processes. A rank
// whose fault stream breaks before it leaves is reported to the hub as lost.
type Server struct {
	hub     *local.Hub
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	grpcServer *grpc.Server
}

var _ GroupServer = (*Server)(nil)

// NewServer serves hub. timeout bounds every unary call except the ones
// that wait on other ranks; zero disables it.
func NewServer(hub *local.Hub, timeout time.Duration) *Server {
	return &Server{
		hub:      hub,
		timeout:  timeout,
		sessions: make(map[string]*session),
	}
}

func (s *Server) Start(network, addr string, maxConcurrentStreams uint32) (net.Listener, error) {
	lis, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	s.Serve(lis, maxConcurrentStreams)
	return lis, nil
}

func (s *Server) Serve(lis net.Listener, maxConcurrentStreams uint32) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor(), timeoutInterceptor(s.timeout)),
		grpc.StreamInterceptor(metrics.StreamServerInterceptor()),
	}
	if maxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(maxConcurrentStreams))
	}

	s.grpcServer = grpc.NewServer(opts...)
	RegisterGroupServer(s.grpcServer, s)
	reflection.Register(s.grpcServer)

	slog.Info("group hub listening", "addr", lis.Addr())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("failed to serve group hub", "error", err)
		}
	}()
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) Join(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req JoinRequest
	if err := unpack(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var e *local.Endpoint
	if req.Replace {
		var err error
		if e, err = s.hub.Replace(req.Rank); err != nil {
			return nil, groupError(err)
		}
	} else {
		e = s.hub.Spawn()
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{endpoint: e}
	s.mu.Unlock()

	slog.Info("rank joined", "session", id, "rank", e.Rank(), "replace", req.Replace)
	return pack(&JoinResponse{Session: id, Rank: e.Rank()}), nil
}

func (s *Server) Membership(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req SessionRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	m, err := e.Membership(ctx)
	if err != nil {
		return nil, groupError(err)
	}
	return pack((*membershipMessage)(&m)), nil
}

func (s *Server) AllReduce(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req AllReduceRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	v, err := e.AllReduce(ctx, req.Key, req.Op, req.Value)
	if err != nil {
		return nil, groupError(err)
	}
	return pack((*valueMessage)(&v)), nil
}

func (s *Server) Send(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req SendRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	if err := e.Send(ctx, req.Dest, req.Tag, req.Payload); err != nil {
		return nil, groupError(err)
	}
	return pack(&Empty{}), nil
}

func (s *Server) Recv(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req RecvRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	payload, err := e.Recv(ctx, req.Src, req.Tag)
	if err != nil {
		return nil, groupError(err)
	}
	return pack(&RecvResponse{Payload: payload}), nil
}

func (s *Server) Drain(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req DrainRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	return pack(&DrainResponse{Messages: e.Drain(req.Tag)}), nil
}

func (s *Server) RaiseFault(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req RaiseFaultRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	if err := e.RaiseFault(ctx, req.Generation, req.Reason); err != nil {
		return nil, groupError(err)
	}
	return pack(&Empty{}), nil
}

func (s *Server) Abort(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req AbortRequest
	e, err := s.decode(in, &req, func() string { return req.Session })
	if err != nil {
		return nil, err
	}
	if err := e.Abort(ctx, req.Code, req.Reason); err != nil {
		return nil, groupError(err)
	}
	return pack(&Empty{}), nil
}

func (s *Server) Leave(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req SessionRequest
	if err := unpack(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.Session]
	if ok {
		sess.left = true
	}
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %s", req.Session)
	}

	if err := sess.endpoint.Close(); err != nil {
		return nil, groupError(err)
	}
	return pack(&Empty{}), nil
}

func (s *Server) WatchFaults(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	var req SessionRequest
	if err := unpack(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(req.Session)
	if err != nil {
		return err
	}

	faults := sess.endpoint.Faults()
	for {
		select {
		case n, ok := <-faults:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(pack((*noticeMessage)(&n))); err != nil {
				s.lost(req.Session, err)
				return err
			}
		case <-stream.Context().Done():
			s.lost(req.Session, stream.Context().Err())
			return nil
		}
	}
}

// lost reports a rank whose fault stream ended without a Leave.
func (s *Server) lost(id string, cause error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok || sess.left {
		return
	}

	rank := sess.endpoint.Rank()
	slog.Warn("rank connection lost", "session", id, "rank", rank, "cause", cause)
	if err := s.hub.Kill(rank); err != nil {
		slog.Debug("kill after connection loss", "rank", rank, "error", err)
	}
}

func (s *Server) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %s", id)
	}
	return sess, nil
}

func (s *Server) decode(in *wrapperspb.BytesValue, req wireMessage, id func() string) (*local.Endpoint, error) {
	if err := unpack(in, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(id())
	if err != nil {
		return nil, err
	}
	return sess.endpoint, nil
}

// timeoutInterceptor leaves AllReduce and Recv alone since they block until
// peers show up.
func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if d <= 0 || info.FullMethod == methodAllReduce || info.FullMethod == methodRecv {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

func groupError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, transport.ErrAborted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, transport.ErrRankLost):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, transport.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transport.ErrUnknownRank):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Errorf(codes.Internal, "group: %v", err)
	}
}

// endpointError maps a status returned by the hub back to transport errors.
func endpointError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case codes.Aborted:
		return fmt.Errorf("%s: %w", op, transport.ErrAborted)
	case codes.Unavailable:
		return fmt.Errorf("%s: %w", op, transport.ErrRankLost)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", op, transport.ErrClosed)
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, transport.ErrUnknownRank)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	default:
		return fmt.Errorf("%s: %s", op, st.Message())
	}
}
