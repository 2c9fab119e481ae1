package grpc

import (
	"context"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/notify"
	"google.golang.org/grpc"
)

const (
	MetaServiceName   = "flowmeta.MetaService"
	WorkerServiceName = "flowmeta.WorkerService"
)

// MetaServiceServer is served by the meta node to workers and frontends
type MetaServiceServer interface {
	Register(context.Context, *RegisterRequest) (*NodeResponse, error)
	Activate(context.Context, *NodeRequest) (*NodeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*Empty, error)
	Deregister(context.Context, *NodeRequest) (*Empty, error)
	CollectBarrier(context.Context, *barrier.Report) (*CollectBarrierResponse, error)
	ReportCompaction(context.Context, *ReportCompactionRequest) (*Empty, error)
	Pin(context.Context, *PinRequest) (*PinResponse, error)
	Unpin(context.Context, *UnpinRequest) (*Empty, error)
	GetNewSstIDs(context.Context, *GetNewSstIDsRequest) (*GetNewSstIDsResponse, error)
	GetCatalog(context.Context, *GetCatalogRequest) (*GetCatalogResponse, error)
	Subscribe(*SubscribeRequest, grpc.ServerStreamingServer[notify.Event]) error
}

// WorkerServiceServer is served by every worker to the meta node. All calls
// must be idempotent.
type WorkerServiceServer interface {
	InjectBarrier(context.Context, *barrier.InjectRequest) (*Empty, error)
	CreateActors(context.Context, *CreateActorsRequest) (*Empty, error)
	DropActors(context.Context, *DropActorsRequest) (*Empty, error)
	AssignCompactionTask(context.Context, *AssignCompactionTaskRequest) (*Empty, error)
	ReportCompactionResult(context.Context, *CompactionResultRequest) (*Empty, error)
}

// unary builds the method descriptor for one request/response call
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// MetaServiceDesc describes MetaService for grpc.Server.RegisterService
var MetaServiceDesc = grpc.ServiceDesc{
	ServiceName: MetaServiceName,
	HandlerType: (*MetaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MetaServiceName, "Register", MetaServiceServer.Register),
		unary(MetaServiceName, "Activate", MetaServiceServer.Activate),
		unary(MetaServiceName, "Heartbeat", MetaServiceServer.Heartbeat),
		unary(MetaServiceName, "Deregister", MetaServiceServer.Deregister),
		unary(MetaServiceName, "CollectBarrier", MetaServiceServer.CollectBarrier),
		unary(MetaServiceName, "ReportCompaction", MetaServiceServer.ReportCompaction),
		unary(MetaServiceName, "Pin", MetaServiceServer.Pin),
		unary(MetaServiceName, "Unpin", MetaServiceServer.Unpin),
		unary(MetaServiceName, "GetNewSstIDs", MetaServiceServer.GetNewSstIDs),
		unary(MetaServiceName, "GetCatalog", MetaServiceServer.GetCatalog),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "flowmeta/meta",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MetaServiceServer).Subscribe(in, &grpc.GenericServerStream[SubscribeRequest, notify.Event]{ServerStream: stream})
}

// WorkerServiceDesc describes WorkerService for grpc.Server.RegisterService
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(WorkerServiceName, "InjectBarrier", WorkerServiceServer.InjectBarrier),
		unary(WorkerServiceName, "CreateActors", WorkerServiceServer.CreateActors),
		unary(WorkerServiceName, "DropActors", WorkerServiceServer.DropActors),
		unary(WorkerServiceName, "AssignCompactionTask", WorkerServiceServer.AssignCompactionTask),
		unary(WorkerServiceName, "ReportCompactionResult", WorkerServiceServer.ReportCompactionResult),
	},
	Metadata: "flowmeta/worker",
}

// RegisterMetaServiceServer registers srv on s
func RegisterMetaServiceServer(s grpc.ServiceRegistrar, srv MetaServiceServer) {
	s.RegisterService(&MetaServiceDesc, srv)
}

// RegisterWorkerServiceServer registers srv on s
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// MetaServiceClient calls MetaService
type MetaServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMetaServiceClient wraps a connection
func NewMetaServiceClient(cc grpc.ClientConnInterface) *MetaServiceClient {
	return &MetaServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MetaServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*NodeResponse, error) {
	return invoke[NodeResponse](ctx, c.cc, MetaServiceName, "Register", in, opts)
}

func (c *MetaServiceClient) Activate(ctx context.Context, in *NodeRequest, opts ...grpc.CallOption) (*NodeResponse, error) {
	return invoke[NodeResponse](ctx, c.cc, MetaServiceName, "Activate", in, opts)
}

func (c *MetaServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, MetaServiceName, "Heartbeat", in, opts)
}

func (c *MetaServiceClient) Deregister(ctx context.Context, in *NodeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, MetaServiceName, "Deregister", in, opts)
}

func (c *MetaServiceClient) CollectBarrier(ctx context.Context, in *barrier.Report, opts ...grpc.CallOption) (*CollectBarrierResponse, error) {
	return invoke[CollectBarrierResponse](ctx, c.cc, MetaServiceName, "CollectBarrier", in, opts)
}

func (c *MetaServiceClient) ReportCompaction(ctx context.Context, in *ReportCompactionRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, MetaServiceName, "ReportCompaction", in, opts)
}

func (c *MetaServiceClient) Pin(ctx context.Context, in *PinRequest, opts ...grpc.CallOption) (*PinResponse, error) {
	return invoke[PinResponse](ctx, c.cc, MetaServiceName, "Pin", in, opts)
}

func (c *MetaServiceClient) Unpin(ctx context.Context, in *UnpinRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, MetaServiceName, "Unpin", in, opts)
}

func (c *MetaServiceClient) GetNewSstIDs(ctx context.Context, in *GetNewSstIDsRequest, opts ...grpc.CallOption) (*GetNewSstIDsResponse, error) {
	return invoke[GetNewSstIDsResponse](ctx, c.cc, MetaServiceName, "GetNewSstIDs", in, opts)
}

func (c *MetaServiceClient) GetCatalog(ctx context.Context, in *GetCatalogRequest, opts ...grpc.CallOption) (*GetCatalogResponse, error) {
	return invoke[GetCatalogResponse](ctx, c.cc, MetaServiceName, "GetCatalog", in, opts)
}

// Subscribe opens a notification stream. Recv returns events until the
// stream ends or ctx is cancelled.
func (c *MetaServiceClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[notify.Event], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &MetaServiceDesc.Streams[0], "/"+MetaServiceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SubscribeRequest, notify.Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// WorkerServiceClient calls WorkerService on one worker
type WorkerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient wraps a connection
func NewWorkerServiceClient(cc grpc.ClientConnInterface) *WorkerServiceClient {
	return &WorkerServiceClient{cc: cc}
}

func (c *WorkerServiceClient) InjectBarrier(ctx context.Context, in *barrier.InjectRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, WorkerServiceName, "InjectBarrier", in, opts)
}

func (c *WorkerServiceClient) CreateActors(ctx context.Context, in *CreateActorsRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, WorkerServiceName, "CreateActors", in, opts)
}

func (c *WorkerServiceClient) DropActors(ctx context.Context, in *DropActorsRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, WorkerServiceName, "DropActors", in, opts)
}

func (c *WorkerServiceClient) AssignCompactionTask(ctx context.Context, in *AssignCompactionTaskRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, WorkerServiceName, "AssignCompactionTask", in, opts)
}

func (c *WorkerServiceClient) ReportCompactionResult(ctx context.Context, in *CompactionResultRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, WorkerServiceName, "ReportCompactionResult", in, opts)
}
