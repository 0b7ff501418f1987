// Package client is a Go client for the subframe.StorageNode gRPC service.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/subframe/subframe/pkg/grpc/service"
	"github.com/subframe/subframe/pkg/grpc/transport"
	"github.com/subframe/subframe/pkg/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrInvalidOptions indicates invalid client options
var ErrInvalidOptions = errors.New("invalid client options")

// ClientOptions configures a storage node client
type ClientOptions struct {
	Endpoint       string        // Server address
	RequestTimeout time.Duration // Default timeout for requests

	TLS transport.TLSConfig

	Retry RetryPolicy

	// DialOptions are appended to the transport defaults
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:9123",
		RequestTimeout: 10 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Client talks to one storage node. Failures reported by the node are
// returned as *failure.Error with the node's code and description.
type Client struct {
	options ClientOptions
	conn    *grpc.ClientConn
}

// NewClient creates a client for options.Endpoint.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, errors.Join(ErrInvalidOptions, errors.New("endpoint is required"))
	}

	conn, err := transport.Dial(options.Endpoint, options.TLS, options.DialOptions...)
	if err != nil {
		return nil, err
	}

	return &Client{options: options, conn: conn}, nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	return c.conn.Close()
}

// Put stores payload under key and returns its location.
func (c *Client) Put(ctx context.Context, key string, payload []byte) (storage.Location, error) {
	var loc storage.Location
	out := new(structpb.Struct)

	ctx = metadata.AppendToOutgoingContext(ctx, service.RecordKeyHeader, key)
	if err := c.invoke(ctx, service.MethodPut, wrapperspb.Bytes(payload), out); err != nil {
		return loc, err
	}
	err := service.FromStruct(out, &loc)
	return loc, err
}

// Get returns the payload stored under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, service.MethodGet, wrapperspb.String(key), out); err != nil {
		return nil, err
	}
	if out.GetValue() == nil {
		return []byte{}, nil
	}
	return out.GetValue(), nil
}

// Info returns the location of the payload stored under key.
func (c *Client) Info(ctx context.Context, key string) (storage.Location, error) {
	var loc storage.Location
	out := new(structpb.Struct)
	if err := c.invoke(ctx, service.MethodInfo, wrapperspb.String(key), out); err != nil {
		return loc, err
	}
	err := service.FromStruct(out, &loc)
	return loc, err
}

// Delete removes key from the node.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.invoke(ctx, service.MethodDelete, wrapperspb.String(key), new(emptypb.Empty))
}

// Stats returns the node statistics.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, service.MethodStats, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	err := RetryWithBackoff(ctx, c.options.Retry, func(ctx context.Context) error {
		if c.options.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
			defer cancel()
		}
		return c.conn.Invoke(ctx, method, in, out)
	})
	return service.FromStatus(err)
}
