package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region helpers
// runRanks calls fn once per group concurrently and returns the errors.
func runRanks[G Group](groups []G, fn func(g G) error) []error {
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(g)
		}()
	}
	wg.Wait()
	return errs
}

func checkGathered(t *testing.T, rank int, parts [][]byte, round int) {
	t.Helper()
	for r, p := range parts {
		if want := fmt.Sprintf("rank%d-round%d", r, round); string(p) != want {
			t.Errorf("rank %d round %d: part %d = %q, want %q", rank, round, r, p, want)
		}
	}
}

// #endregion helpers

// #region local-tests
func TestLocalGroup_AllGatherRounds(t *testing.T) {
	groups, err := NewLocalGroups(3)
	if err != nil {
		t.Fatalf("new groups: %v", err)
	}
	errs := runRanks(groups, func(g *LocalGroup) error {
		for round := range 3 {
			parts, err := g.AllGather(context.Background(), fmt.Appendf(nil, "rank%d-round%d", g.Rank(), round))
			if err != nil {
				return err
			}
			checkGathered(t, g.Rank(), parts, round)
		}
		return g.Barrier(context.Background())
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
	if n := len(groups[0].hub.rounds); n != 0 {
		t.Errorf("%d rounds left in the hub", n)
	}
}

func TestLocalGroup_MissingRankHonoursContext(t *testing.T) {
	groups, err := NewLocalGroups(2)
	if err != nil {
		t.Fatalf("new groups: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := groups[0].Barrier(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewLocalGroups_InvalidWorld(t *testing.T) {
	if _, err := NewLocalGroups(0); !errors.Is(err, ErrWorld) {
		t.Fatalf("expected ErrWorld, got %v", err)
	}
}

// #endregion local-tests

// #region shard-tests
func TestShardIndices_PadsByWrapping(t *testing.T) {
	r0, err := ShardIndices(5, 0, 2)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}
	r1, _ := ShardIndices(5, 1, 2)
	want0, want1 := []int{0, 2, 4}, []int{1, 3, 0}
	for i := range want0 {
		if r0[i] != want0[i] || r1[i] != want1[i] {
			t.Fatalf("shards %v %v, want %v %v", r0, r1, want0, want1)
		}
	}
	if _, err := ShardIndices(5, 2, 2); !errors.Is(err, ErrWorld) {
		t.Fatalf("expected ErrWorld, got %v", err)
	}
}

// #endregion shard-tests

// #region grpc-tests
func TestGRPCGroup_AllGatherOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	if _, err := RegisterRendezvous(srv, 3); err != nil {
		t.Fatalf("register: %v", err)
	}
	go srv.Serve(lis)
	defer srv.Stop()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	groups := make([]*GRPCGroup, 3)
	for r := range groups {
		g, err := NewGRPCGroup("passthrough:///bufnet", r, 3, dialer)
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
		defer g.Close()
		groups[r] = g
	}

	errs := runRanks(groups, func(g *GRPCGroup) error {
		for round := range 2 {
			parts, err := g.AllGather(context.Background(), fmt.Appendf(nil, "rank%d-round%d", g.Rank(), round))
			if err != nil {
				return err
			}
			checkGathered(t, g.Rank(), parts, round)
		}
		return g.Barrier(context.Background())
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
}

func TestGRPCGroup_WaitsForLateCoordinator(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := free.Addr().String()
	free.Close()

	g, err := NewGRPCGroup(addr, 0, 1)
	if err != nil {
		t.Fatalf("NewGRPCGroup: %v", err)
	}
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		parts, err := g.AllGather(ctx, []byte("early"))
		if err == nil && (len(parts) != 1 || string(parts[0]) != "early") {
			err = fmt.Errorf("unexpected parts %q", parts)
		}
		done <- err
	}()

	// The gather is in flight before anything listens on addr.
	time.Sleep(300 * time.Millisecond)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	srv := grpc.NewServer()
	if _, err := RegisterRendezvous(srv, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	go srv.Serve(lis)
	defer srv.Stop()

	if err := <-done; err != nil {
		t.Fatalf("gather before coordinator: %v", err)
	}
}

type mockRendezvous struct {
	resp *wrapperspb.BytesValue
	err  error
}

func (m *mockRendezvous) Gather(_ context.Context, _ *wrapperspb.BytesValue, _ ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	return m.resp, m.err
}

func TestGRPCGroup_ShortResponse(t *testing.T) {
	g := NewGRPCGroupWithService(&mockRendezvous{resp: wrapperspb.Bytes(encodeParts([][]byte{[]byte("only")}))}, 0, 2)
	if _, err := g.AllGather(context.Background(), nil); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestGRPCGroup_RPCError(t *testing.T) {
	mock := &mockRendezvous{err: errors.New("unavailable")}
	g := NewGRPCGroupWithService(mock, 1, 2)
	if err := g.Barrier(context.Background()); !errors.Is(err, mock.err) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
}

func TestRequestWire(t *testing.T) {
	rank, seq, payload, err := decodeRequest(encodeRequest(2, 9, []byte("x")))
	if err != nil || rank != 2 || seq != 9 || string(payload) != "x" {
		t.Fatalf("decoded rank=%d seq=%d payload=%q err=%v", rank, seq, payload, err)
	}
}

// #endregion grpc-tests
