package rpc

import (
	"context"
	"encoding/json"
	"time"

	"cosmossdk.io/log"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var _ CoreServer = (*Server)(nil)

// Server exposes a Core over gRPC. Request messages are JSON documents: empty for Instantiate,
// the contract address string for SessionCreate, the on-chain session for SessionSetPubKey and
// the on-chain sequence number with the application message for Sign.
type Server struct {
	core *enclave.Core
}

func NewServer(core *enclave.Core) *Server {
	return &Server{core: core}
}

func respond(v any) (*Response, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return wrapperspb.String(string(bz)), nil
}

func (s *Server) Instantiate(ctx context.Context, _ *Request) (*Response, error) {
	res, err := s.core.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	return respond(res)
}

func (s *Server) SessionCreate(ctx context.Context, req *Request) (*Response, error) {
	var contract string
	if err := json.Unmarshal([]byte(req.GetValue()), &contract); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid contract: %v", err)
	}
	res, err := s.core.SessionCreate(ctx, contract)
	if err != nil {
		return nil, err
	}
	return respond(res)
}

func (s *Server) SessionSetPubKey(ctx context.Context, req *Request) (*Response, error) {
	var session types.Session
	if err := json.Unmarshal([]byte(req.GetValue()), &session); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid session: %v", err)
	}
	res, err := s.core.SessionSetPubKey(ctx, session)
	if err != nil {
		return nil, err
	}
	return respond(res)
}

func (s *Server) Sign(ctx context.Context, req *Request) (*Response, error) {
	var seq types.Sequenced
	if err := json.Unmarshal([]byte(req.GetValue()), &seq); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid sign request: %v", err)
	}
	res, err := s.core.Sign(ctx, seq.SeqNum, seq.Msg)
	if err != nil {
		return nil, err
	}
	return respond(res)
}

func loggingInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		res, err := handler(ctx, req)
		if err != nil {
			logger.Error("request failed", "method", info.FullMethod, "code", status.Code(err), "error", err, "elapsed", time.Since(start))
		} else {
			logger.Info("request handled", "method", info.FullMethod, "elapsed", time.Since(start))
		}
		return res, err
	}
}

// NewGRPCServer returns a gRPC server with the Core service registered.
func NewGRPCServer(core *enclave.Core, logger log.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger.With("module", "rpc"))),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterCoreServer(s, NewServer(core))
	return s
}

// NewClientConn returns a plaintext connection to an enclave at target.
func NewClientConn(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	return grpc.NewClient(target, opts...)
}
