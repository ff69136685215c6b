// Package grpckv carries the KV contract over gRPC so the registry daemon
// can run against a remote storage node.
package grpckv

import (
	"context"
	"encoding/base64"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/wasmreg/storage"
)

// DefaultTimeout bounds each remote call when the caller's context has no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Client is a storage.KV backed by a remote KV service.
type Client struct {
	cc      *grpc.ClientConn
	kv      KVClient
	timeout time.Duration
}

var _ storage.KV = (*Client)(nil)

type Option func(*Client)

// WithTimeout overrides DefaultTimeout for calls without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to a KV service at addr. The connection is plaintext;
// deployments that need transport security should front the storage node
// with their own termination.
func Dial(addr string, opts ...Option) (*Client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c := &Client{cc: cc, kv: NewKVClient(cc), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConn wraps an existing connection, typically a test loopback.
func NewFromConn(cc *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{cc: cc, kv: NewKVClient(cc), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Close() error { return c.cc.Close() }

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.kv.Get(ctx, wrapperspb.String(key))
	if err != nil {
		return nil, fromStatus(err)
	}
	return resp.GetValue(), nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if _, err := c.kv.Put(ctx, writeRequest(key, value)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.kv.PutIfAbsent(ctx, writeRequest(key, value))
	if err != nil {
		return false, fromStatus(err)
	}
	return resp.GetValue(), nil
}

func (c *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	req := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(members)+1)}
	req.Values = append(req.Values, structpb.NewStringValue(key))
	for _, m := range members {
		req.Values = append(req.Values, structpb.NewStringValue(m))
	}
	if _, err := c.kv.SetAdd(ctx, req); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.kv.SetMembers(ctx, wrapperspb.String(key))
	if err != nil {
		return nil, fromStatus(err)
	}
	vals := resp.GetValues()
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.GetStringValue())
	}
	return out, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func writeRequest(key string, value []byte) *structpb.ListValue {
	return &structpb.ListValue{Values: []*structpb.Value{
		structpb.NewStringValue(key),
		structpb.NewStringValue(base64.StdEncoding.EncodeToString(value)),
	}}
}

// fromStatus folds gRPC status codes back into the storage sentinels so
// callers never see transport detail.
func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return storage.ErrNotFound
	case codes.InvalidArgument:
		return storage.ErrInvalidKey
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return storage.ErrUnavailable
	default:
		return err
	}
}
