package executor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

func TestFuncAndTextResult(t *testing.T) {
	exec := Func(func(ctx context.Context, req Request) (*Result, error) {
		return TextResult("ran "+req.Name, false), nil
	})
	res, err := exec.Execute(context.Background(), Request{Name: "list_vms"})
	require.NoError(t, err)
	assert.Equal(t, "ran list_vms", res.Text())
	assert.False(t, res.IsError)
}

func TestWithTimeoutExpires(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := Func(func(ctx context.Context, req Request) (*Result, error) {
		<-release // ignores ctx
		return TextResult("late", false), nil
	})

	start := time.Now()
	_, err := WithTimeout(stubborn, 50*time.Millisecond).Execute(context.Background(), Request{Name: "scan_network"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	exec := WithTimeout(Func(func(ctx context.Context, req Request) (*Result, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return TextResult("ok", false), nil
	}), time.Second)

	res, err := exec.Execute(context.Background(), Request{Name: "ping_host"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text())
}

func TestWithTimeoutRecoversPanic(t *testing.T) {
	exec := WithTimeout(Func(func(ctx context.Context, req Request) (*Result, error) {
		panic("boom")
	}), time.Second)

	_, err := exec.Execute(context.Background(), Request{Name: "run_command"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestWithTimeoutParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := WithTimeout(Func(func(ctx context.Context, req Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := exec.Execute(ctx, Request{Name: "get_logs"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrToolTimeout))
}

// startBufconn hosts exec on an in-memory listener and returns a connected client.
func startBufconn(t *testing.T, exec Executor) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, exec)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPCClient(GRPCConfig{
		Address:  "passthrough:///bufnet",
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCClientRoundTrip(t *testing.T) {
	var seen Request
	client := startBufconn(t, Func(func(ctx context.Context, req Request) (*Result, error) {
		seen = req
		return &Result{
			Content: []types.ContentBlock{{Type: "text", Text: "VM 105 stopped"}},
		}, nil
	}))

	res, err := client.Execute(context.Background(), Request{
		Name:      "stop_vm",
		Arguments: map[string]interface{}{"vmid": float64(105), "node": "pve1"},
		ActorKind: ActorOperator,
		SessionID: "s1",
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "VM 105 stopped", res.Text())
	assert.False(t, res.IsError)

	assert.Equal(t, "stop_vm", seen.Name)
	assert.Equal(t, float64(105), seen.Arguments["vmid"])
	assert.Equal(t, ActorOperator, seen.ActorKind)
	assert.Equal(t, "s1", seen.SessionID)
	assert.True(t, seen.DryRun)
	assert.False(t, seen.Override)
}

func TestGRPCClientErrorResult(t *testing.T) {
	client := startBufconn(t, Func(func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Content: nil, IsError: true, Blocked: true, Reason: "maintenance window"}, nil
	}))

	res, err := client.Execute(context.Background(), Request{Name: "reboot_node"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, res.Blocked)
	assert.Equal(t, "maintenance window", res.Reason)
}

func TestGRPCClientTransportError(t *testing.T) {
	client := startBufconn(t, Func(func(ctx context.Context, req Request) (*Result, error) {
		return nil, status.Error(codes.Unavailable, "executor draining")
	}))

	_, err := client.Execute(context.Background(), Request{Name: "list_vms"})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
}

func TestNewGRPCClientRequiresAddress(t *testing.T) {
	_, err := NewGRPCClient(GRPCConfig{}, nil, nil)
	assert.Error(t, err)
}
