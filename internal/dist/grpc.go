package dist

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName  = "uqseg.dist.Rendezvous"
	gatherMethod = "/" + serviceName + "/Gather"
)

// #region service
// RendezvousClient is the client side of the rendezvous service. Requests
// and responses are BytesValue messages carrying protowire payloads.
type RendezvousClient interface {
	Gather(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type rendezvousClient struct {
	cc grpc.ClientConnInterface
}

// NewRendezvousClient binds a client to a connection.
func NewRendezvousClient(cc grpc.ClientConnInterface) RendezvousClient {
	return &rendezvousClient{cc: cc}
}

func (c *rendezvousClient) Gather(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, gatherMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type rendezvousServer interface {
	Gather(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func gatherHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Gather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatherMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvousServer).Gather(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: gatherHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dist/rendezvous",
}

// #endregion service

// #region server
// RendezvousServer matches Gather calls from world ranks into rounds. The
// coordinator hosts it; every rank, the coordinator included, joins as a
// client.
type RendezvousServer struct {
	hub *hub
}

// RegisterRendezvous adds the rendezvous service for world ranks to s.
func RegisterRendezvous(s *grpc.Server, world int) (*RendezvousServer, error) {
	if world < 1 {
		return nil, fmt.Errorf("rendezvous for %d ranks: %w", world, ErrWorld)
	}
	rs := &RendezvousServer{hub: newHub(world)}
	s.RegisterService(&rendezvousServiceDesc, rs)
	log.Printf("[DIST] rendezvous registered world=%d", world)
	return rs, nil
}

func (s *RendezvousServer) Gather(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank, seq, payload, err := decodeRequest(in.GetValue())
	if err != nil {
		return nil, err
	}
	parts, err := s.hub.gather(ctx, seq, rank, payload)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(encodeParts(parts)), nil
}

// #endregion server

// #region client-group
// GRPCGroup is one rank of a group whose collectives go through a
// rendezvous server.
type GRPCGroup struct {
	conn   *grpc.ClientConn
	client RendezvousClient
	rank   int
	world  int
	seq    uint64
}

// NewGRPCGroup connects rank to the rendezvous server at addr. Calls wait
// for the server to come up, bounded by the caller's context, so ranks may
// start before the coordinator.
func NewGRPCGroup(addr string, rank, world int, opts ...grpc.DialOption) (*GRPCGroup, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("grpc group rank %d of %d: %w", rank, world, ErrWorld)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCGroup{conn: conn, client: NewRendezvousClient(conn), rank: rank, world: world}, nil
}

// NewGRPCGroupWithService creates a GRPCGroup with an injected client.
// Used for testing without a real gRPC connection.
func NewGRPCGroupWithService(svc RendezvousClient, rank, world int) *GRPCGroup {
	return &GRPCGroup{client: svc, rank: rank, world: world}
}

// Close shuts down the gRPC connection.
func (g *GRPCGroup) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

func (g *GRPCGroup) Rank() int      { return g.rank }
func (g *GRPCGroup) WorldSize() int { return g.world }

func (g *GRPCGroup) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	g.seq++
	resp, err := g.client.Gather(ctx, wrapperspb.Bytes(encodeRequest(g.rank, g.seq, payload)))
	if err != nil {
		return nil, fmt.Errorf("gather rpc: %w", err)
	}
	parts, err := decodeParts(resp.GetValue())
	if err != nil {
		return nil, err
	}
	if len(parts) != g.world {
		return nil, fmt.Errorf("gather returned %d parts for world %d: %w", len(parts), g.world, ErrProtocol)
	}
	return parts, nil
}

func (g *GRPCGroup) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, nil)
	return err
}

// #endregion client-group

// #region wire
func encodeRequest(rank int, seq uint64, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rank))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func decodeRequest(b []byte) (rank int, seq uint64, payload []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, nil, fmt.Errorf("request tag: %w", ErrProtocol)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			rank = int(v)
		case num == 2 && typ == protowire.VarintType:
			seq, n = protowire.ConsumeVarint(b)
		case num == 3 && typ == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, 0, nil, fmt.Errorf("request field %d: %w", num, ErrProtocol)
		}
		b = b[n:]
	}
	return rank, seq, payload, nil
}

func encodeParts(parts [][]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

func decodeParts(b []byte) ([][]byte, error) {
	var parts [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != 1 || typ != protowire.BytesType {
			return nil, fmt.Errorf("parts tag: %w", ErrProtocol)
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("parts value: %w", ErrProtocol)
		}
		parts = append(parts, v)
		b = b[n:]
	}
	return parts, nil
}

// #endregion wire
