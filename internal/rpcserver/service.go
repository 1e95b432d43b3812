// Package rpcserver serves project generation over gRPC. Messages are
// google.protobuf.Struct values carrying the same fields as the HTTP API.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"astrosorter/internal/tasks"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "astrosorter.Projects"

const (
	methodSequator = "/" + ServiceName + "/GenerateSequator"
	methodDSS      = "/" + ServiceName + "/GenerateDSS"
)

// ProjectsServer is implemented by the project service.
type ProjectsServer interface {
	GenerateSequator(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GenerateDSS(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes astrosorter.Projects for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProjectsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GenerateSequator", Handler: unaryHandler(methodSequator, ProjectsServer.GenerateSequator)},
		{MethodName: "GenerateDSS", Handler: unaryHandler(methodDSS, ProjectsServer.GenerateDSS)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "astrosorter/projects.proto",
}

type unaryMethod func(ProjectsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ProjectsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ProjectsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register attaches svc to s.
func Register(s grpc.ServiceRegistrar, svc ProjectsServer) {
	s.RegisterService(&ServiceDesc, svc)
}

// Service writes project files on behalf of remote callers.
type Service struct {
	log *slog.Logger
}

// NewService creates the project service.
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// GenerateSequator writes the Stack and Trail projects for the request.
// An empty light list maps to FailedPrecondition unless allow_empty is set.
func (s *Service) GenerateSequator(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	if req.Root == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "root and name are required")
	}
	res, err := req.GenerateSequator()
	if err != nil {
		return nil, statusFor(err)
	}
	s.log.Info("sequator projects written", "stack", res.Stack, "trail", res.Trail, "transport", "grpc")
	return encodeResponse(res)
}

// GenerateDSS writes the DeepSkyStacker file list to output, or to
// <root>/<name>.txt when output is empty.
func (s *Service) GenerateDSS(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	if req.Output == "" && (req.Root == "" || req.Name == "") {
		return nil, status.Error(codes.InvalidArgument, "output, or root and name, are required")
	}
	res, err := req.GenerateDSS()
	if err != nil {
		return nil, statusFor(err)
	}
	s.log.Info("dss file list written", "list", res.List, "transport", "grpc")
	return encodeResponse(res)
}

func decodeRequest(in *structpb.Struct) (tasks.ProjectRequest, error) {
	var req tasks.ProjectRequest
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return req, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return req, nil
}

func encodeResponse(res tasks.ProjectResponse) (*structpb.Struct, error) {
	fields := map[string]any{}
	if res.Stack != "" {
		fields["stack"] = res.Stack
	}
	if res.Trail != "" {
		fields["trail"] = res.Trail
	}
	if res.List != "" {
		fields["list"] = res.List
	}
	return structpb.NewStruct(fields)
}

func statusFor(err error) error {
	if errors.Is(err, tasks.ErrNoLights) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, log)
}

// ServeListener serves on an existing listener until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	srv := grpc.NewServer()
	Register(srv, NewService(log))

	go func() {
		<-ctx.Done()
		log.Info("shutting down grpc server")
		srv.GracefulStop()
	}()

	log.Info("grpc server starting", "addr", lis.Addr().String(), "service", ServiceName)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Client calls astrosorter.Projects.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GenerateSequator asks the server to write both Sequator documents.
func (c *Client) GenerateSequator(ctx context.Context, req tasks.ProjectRequest) (tasks.ProjectResponse, error) {
	return c.call(ctx, methodSequator, req)
}

// GenerateDSS asks the server to write a DeepSkyStacker file list.
func (c *Client) GenerateDSS(ctx context.Context, req tasks.ProjectRequest) (tasks.ProjectResponse, error) {
	return c.call(ctx, methodDSS, req)
}

func (c *Client) call(ctx context.Context, method string, req tasks.ProjectRequest) (tasks.ProjectResponse, error) {
	var res tasks.ProjectResponse
	data, err := json.Marshal(req)
	if err != nil {
		return res, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return res, err
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return res, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return res, err
	}
	data, err = json.Marshal(out.AsMap())
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(data, &res)
	return res, err
}
