package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/subframe/subframe/pkg/blockstore"
	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/grpc/service"
	"github.com/subframe/subframe/pkg/grpc/transport"
	"github.com/subframe/subframe/pkg/keyindex"
	"github.com/subframe/subframe/pkg/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()

	blocks, err := blockstore.Open(filepath.Join(dir, "blocks.dat"), 256, 8,
		blockstore.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to open block store: %v", err)
	}
	index, err := keyindex.Open(filepath.Join(dir, "index.json"), keyindex.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to open key index: %v", err)
	}
	svc, err := storage.NewService(blocks, index,
		storage.WithLogger(log.Discard()), storage.WithCodec(storage.CodecSnappy))
	if err != nil {
		t.Fatalf("Failed to create storage service: %v", err)
	}

	server, err := transport.NewServer("bufnet", transport.TLSConfig{}, log.Discard(),
		func(r grpc.ServiceRegistrar) {
			service.RegisterStorageNodeServer(r, service.NewStorageNodeService(svc, log.Discard()))
		})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	go server.Serve(lis)

	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///bufnet"
	options.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	c, err := NewClient(options)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Stop(ctx)
		svc.Close()
		blocks.Close()
		index.Close()
	})
	return c
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	loc, err := c.Put(ctx, "msg-1", []byte("hello from the client"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc.Block != 1 {
		t.Errorf("Expected block 1, got %d", loc.Block)
	}

	got, err := c.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello from the client" {
		t.Errorf("Unexpected payload %q", got)
	}

	info, err := c.Info(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Checksum != loc.Checksum || info.Block != loc.Block {
		t.Errorf("Info %+v does not match put %+v", info, loc)
	}

	if err := c.Delete(ctx, "msg-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "msg-1"); !errors.Is(err, failure.UnknownResource) {
		t.Errorf("Expected UnknownResource after delete, got %v", err)
	}
}

func TestClientEmptyPayload(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "empty", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := c.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Expected an empty non-nil payload, got %v", got)
	}
}

func TestClientTypedFailures(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Put(ctx, "big", make([]byte, 257))
	fe := failure.As(err)
	if fe.Kind != failure.DataExceedsBlockSize {
		t.Fatalf("Expected DataExceedsBlockSize, got %v", err)
	}
	if fe.HTTPCode() != 413 {
		t.Errorf("Expected HTTP 413, got %d", fe.HTTPCode())
	}

	if _, err := c.Put(ctx, "", []byte("x")); !errors.Is(err, failure.BadRequest) {
		t.Errorf("Expected BadRequest for empty key, got %v", err)
	}
}

func TestClientStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["codec"] != "snappy" {
		t.Errorf("Expected codec snappy, got %v", stats["codec"])
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	options := DefaultClientOptions()
	options.Endpoint = ""
	if _, err := NewClient(options); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Expected ErrInvalidOptions, got %v", err)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}

	attempts := 0
	err := RetryWithBackoff(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}

	attempts = 0
	err = RetryWithBackoff(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return status.Error(codes.NotFound, "gone")
	})
	if status.Code(err) != codes.NotFound || attempts != 1 {
		t.Errorf("Non-retryable error should not be retried: %v after %d attempts", err, attempts)
	}

	attempts = 0
	err = RetryWithBackoff(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return status.Error(codes.Unavailable, "down")
	})
	if status.Code(err) != codes.Unavailable || attempts != policy.MaxRetries+1 {
		t.Errorf("Expected %d attempts ending in Unavailable, got %d: %v", policy.MaxRetries+1, attempts, err)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffFactor: 1}

	err := RetryWithBackoff(ctx, policy, func(ctx context.Context) error {
		cancel()
		return status.Error(codes.Unavailable, "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
