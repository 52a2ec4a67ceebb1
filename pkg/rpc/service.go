package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC service path this repo's node client and any
// in-process test server both address.
const serviceName = "csictl.v1.Node"

// NodeServer is the server-side counterpart implemented by the data-plane
// node daemon. This repo never implements it for production use (the daemon
// is opaque and owned elsewhere); it exists here so unit tests can stand up
// an in-process fake without a real node.
type NodeServer interface {
	CreatePool(context.Context, *CreatePoolRequest) (*PoolInfo, error)
	DestroyPool(context.Context, *PoolInfo) (*Empty, error)
	ListPools(context.Context, *Empty) (*PoolList, error)
	CreateReplica(context.Context, *CreateReplicaRequest) (*ReplicaInfo, error)
	DestroyReplica(context.Context, *ReplicaInfo) (*Empty, error)
	ListReplicas(context.Context, *Empty) (*ReplicaList, error)
	CreateNexus(context.Context, *CreateNexusRequest) (*NexusInfo, error)
	DestroyNexus(context.Context, *NexusInfo) (*Empty, error)
	PublishNexus(context.Context, *PublishNexusRequest) (*NexusInfo, error)
	UnpublishNexus(context.Context, *NexusInfo) (*Empty, error)
	AddChild(context.Context, *ChildRequest) (*NexusInfo, error)
	RemoveChild(context.Context, *ChildRequest) (*NexusInfo, error)
	ListNexuses(context.Context, *Empty) (*NexusList, error)
	ShareReplica(context.Context, *ShareReplicaRequest) (*ReplicaInfo, error)
}

// Empty is the request/response used where no payload is needed.
type Empty struct{}

// PoolList, ReplicaList and NexusList wrap the repeated-field responses.
type PoolList struct{ Pools []PoolInfo }
type ReplicaList struct{ Replicas []ReplicaInfo }
type NexusList struct{ Nexuses []NexusInfo }

// ServiceDesc describes the Node service for registration with a
// *grpc.Server, in the absence of protoc-generated stubs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("CreatePool", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).CreatePool(ctx, in.(*CreatePoolRequest))
		}, func() interface{} { return new(CreatePoolRequest) }),
		methodDesc("DestroyPool", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).DestroyPool(ctx, in.(*PoolInfo))
		}, func() interface{} { return new(PoolInfo) }),
		methodDesc("ListPools", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).ListPools(ctx, in.(*Empty))
		}, func() interface{} { return new(Empty) }),
		methodDesc("CreateReplica", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).CreateReplica(ctx, in.(*CreateReplicaRequest))
		}, func() interface{} { return new(CreateReplicaRequest) }),
		methodDesc("DestroyReplica", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).DestroyReplica(ctx, in.(*ReplicaInfo))
		}, func() interface{} { return new(ReplicaInfo) }),
		methodDesc("ListReplicas", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).ListReplicas(ctx, in.(*Empty))
		}, func() interface{} { return new(Empty) }),
		methodDesc("CreateNexus", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).CreateNexus(ctx, in.(*CreateNexusRequest))
		}, func() interface{} { return new(CreateNexusRequest) }),
		methodDesc("DestroyNexus", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).DestroyNexus(ctx, in.(*NexusInfo))
		}, func() interface{} { return new(NexusInfo) }),
		methodDesc("PublishNexus", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).PublishNexus(ctx, in.(*PublishNexusRequest))
		}, func() interface{} { return new(PublishNexusRequest) }),
		methodDesc("UnpublishNexus", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).UnpublishNexus(ctx, in.(*NexusInfo))
		}, func() interface{} { return new(NexusInfo) }),
		methodDesc("AddChild", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).AddChild(ctx, in.(*ChildRequest))
		}, func() interface{} { return new(ChildRequest) }),
		methodDesc("RemoveChild", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).RemoveChild(ctx, in.(*ChildRequest))
		}, func() interface{} { return new(ChildRequest) }),
		methodDesc("ListNexuses", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).ListNexuses(ctx, in.(*Empty))
		}, func() interface{} { return new(Empty) }),
		methodDesc("ShareReplica", func(s interface{}, ctx context.Context, in interface{}) (interface{}, error) {
			return s.(NodeServer).ShareReplica(ctx, in.(*ShareReplicaRequest))
		}, func() interface{} { return new(ShareReplicaRequest) }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpc/service.go",
}

func methodDesc(name string, fn func(interface{}, context.Context, interface{}) (interface{}, error), reqFactory func() interface{}) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := reqFactory()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv, ctx, req)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
