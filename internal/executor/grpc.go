package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Wire contract of the remote tool executor. Requests and responses are
// google.protobuf.Struct so no generated stubs are needed on either side:
//
//	request:  {name, arguments, actor_kind, session_id, override, dry_run}
//	response: {content: [{type, text}], is_error, blocked, reason}
const (
	ServiceName   = "kubilitics.operator.v1.ToolExecutor"
	ExecuteMethod = "/" + ServiceName + "/Execute"
)

const maxMessageSize = 16 * 1024 * 1024

// GRPCConfig configures GRPCClient.
type GRPCConfig struct {
	Address  string
	Insecure bool
	// CAFile, CertFile and KeyFile enable TLS when Insecure is false.
	CAFile   string
	CertFile string
	KeyFile  string
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// GRPCClient executes tools on a remote executor service.
type GRPCClient struct {
	address  string
	conn     *grpc.ClientConn
	auditLog audit.Logger
	logger   *zap.Logger

	closeOnce sync.Once
}

// NewGRPCClient creates a client. The connection is established lazily on
// the first call, so an executor that is still starting does not block boot.
func NewGRPCClient(cfg GRPCConfig, auditLog audit.Logger, logger *zap.Logger) (*GRPCClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("executor address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transportCreds, err := buildTransportCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport credentials: %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor client: %w", err)
	}

	c := &GRPCClient{address: cfg.Address, conn: conn, auditLog: auditLog, logger: logger}
	if auditLog != nil {
		auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerStarted).
			WithDescription(fmt.Sprintf("Tool executor client targeting %s", cfg.Address)).
			WithResult(audit.ResultSuccess))
	}
	return c, nil
}

// buildTransportCredentials returns TLS or insecure credentials based on config.
func buildTransportCredentials(cfg GRPCConfig) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = certPool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// Execute implements Executor.
func (c *GRPCClient) Execute(ctx context.Context, req Request) (*Result, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		return nil, fmt.Errorf("execute %s: %w", req.Name, err)
	}
	return decodeResult(out), nil
}

// State reports the connectivity state of the underlying channel.
func (c *GRPCClient) State() connectivity.State {
	return c.conn.GetState()
}

// Close closes the connection. It is safe to call more than once.
func (c *GRPCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		if c.auditLog != nil {
			c.auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
				WithDescription("Disconnected from tool executor").
				WithResult(audit.ResultSuccess))
		}
	})
	return err
}

// ─── Struct codec ────────────────────────────────────────────────────────────

func encodeRequest(req Request) (*structpb.Struct, error) {
	args := req.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	actor := req.ActorKind
	if actor == "" {
		actor = ActorAgent
	}
	s, err := structpb.NewStruct(map[string]interface{}{
		"name":       req.Name,
		"arguments":  args,
		"actor_kind": string(actor),
		"session_id": req.SessionID,
		"override":   req.Override,
		"dry_run":    req.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("encode arguments for %s: %w", req.Name, err)
	}
	return s, nil
}

func decodeRequest(s *structpb.Struct) Request {
	m := s.AsMap()
	req := Request{Arguments: map[string]interface{}{}}
	req.Name, _ = m["name"].(string)
	if args, ok := m["arguments"].(map[string]interface{}); ok {
		req.Arguments = args
	}
	if actor, ok := m["actor_kind"].(string); ok {
		req.ActorKind = ActorKind(actor)
	}
	req.SessionID, _ = m["session_id"].(string)
	req.Override, _ = m["override"].(bool)
	req.DryRun, _ = m["dry_run"].(bool)
	return req
}

func encodeResult(r *Result) (*structpb.Struct, error) {
	if r == nil {
		r = &Result{}
	}
	content := make([]interface{}, 0, len(r.Content))
	for _, b := range r.Content {
		content = append(content, map[string]interface{}{"type": b.Type, "text": b.Text})
	}
	return structpb.NewStruct(map[string]interface{}{
		"content":  content,
		"is_error": r.IsError,
		"blocked":  r.Blocked,
		"reason":   r.Reason,
	})
}

func decodeResult(s *structpb.Struct) *Result {
	m := s.AsMap()
	r := &Result{}
	if blocks, ok := m["content"].([]interface{}); ok {
		for _, raw := range blocks {
			b, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			typ, _ := b["type"].(string)
			if typ == "" {
				typ = "text"
			}
			text, _ := b["text"].(string)
			r.Content = append(r.Content, types.ContentBlock{Type: typ, Text: text})
		}
	}
	r.IsError, _ = m["is_error"].(bool)
	r.Blocked, _ = m["blocked"].(bool)
	r.Reason, _ = m["reason"].(string)
	return r
}
