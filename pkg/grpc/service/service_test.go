package service

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/subframe/subframe/pkg/blockstore"
	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/keyindex"
	"github.com/subframe/subframe/pkg/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func startTestServer(t *testing.T, blockSize, maxBlocks int) *grpc.ClientConn {
	t.Helper()
	dir := t.TempDir()

	blocks, err := blockstore.Open(filepath.Join(dir, "blocks.dat"), blockSize, maxBlocks,
		blockstore.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to open block store: %v", err)
	}
	index, err := keyindex.Open(filepath.Join(dir, "index.json"), keyindex.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to open key index: %v", err)
	}
	svc, err := storage.NewService(blocks, index, storage.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to create storage service: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(log.Discard())))
	RegisterStorageNodeServer(server, NewStorageNodeService(svc, log.Discard()))
	go server.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufconn: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		server.Stop()
		svc.Close()
		blocks.Close()
		index.Close()
	})
	return conn
}

func put(t *testing.T, conn *grpc.ClientConn, key string, payload []byte) (*structpb.Struct, error) {
	t.Helper()
	ctx := context.Background()
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, RecordKeyHeader, key)
	}
	out := new(structpb.Struct)
	err := conn.Invoke(ctx, MethodPut, wrapperspb.Bytes(payload), out)
	return out, err
}

func TestPutGetOverGRPC(t *testing.T) {
	conn := startTestServer(t, 128, 8)
	ctx := context.Background()

	out, err := put(t, conn, "msg-1", []byte("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var loc storage.Location
	if err := FromStruct(out, &loc); err != nil {
		t.Fatalf("FromStruct failed: %v", err)
	}
	if loc.Block != 1 || loc.Size != 5 || loc.Codec != storage.CodecNone {
		t.Errorf("Unexpected location %+v", loc)
	}

	got := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, MethodGet, wrapperspb.String("msg-1"), got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.GetValue()) != "hello" {
		t.Errorf("Expected hello, got %q", got.GetValue())
	}

	info := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodInfo, wrapperspb.String("msg-1"), info); err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if block := info.GetFields()["block"].GetNumberValue(); block != 1 {
		t.Errorf("Expected block 1 in info, got %v", block)
	}
}

func TestPutRequiresRecordKey(t *testing.T) {
	conn := startTestServer(t, 128, 8)

	_, err := put(t, conn, "", []byte("hello"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected InvalidArgument, got %v", err)
	}
	if !errors.Is(FromStatus(err), failure.BadRequest) {
		t.Errorf("Expected BadRequest after conversion, got %v", FromStatus(err))
	}
}

func TestFailuresCarryTriple(t *testing.T) {
	conn := startTestServer(t, 64, 8)
	ctx := context.Background()

	err := conn.Invoke(ctx, MethodGet, wrapperspb.String("missing"), new(wrapperspb.BytesValue))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}

	fe := failure.As(FromStatus(err))
	if fe.Code() != "request/unknown-resource" || fe.HTTPCode() != 404 {
		t.Errorf("Unexpected failure %s (%d)", fe.Code(), fe.HTTPCode())
	}
	if fe.Description != failure.UnknownResource.Description {
		t.Errorf("Unexpected description %q", fe.Description)
	}

	_, err = put(t, conn, "big", make([]byte, 65))
	if status.Code(err) != codes.OutOfRange {
		t.Fatalf("Expected OutOfRange, got %v", err)
	}
	if !errors.Is(FromStatus(err), failure.DataExceedsBlockSize) {
		t.Errorf("Expected DataExceedsBlockSize, got %v", FromStatus(err))
	}
}

func TestDeleteAndStats(t *testing.T) {
	conn := startTestServer(t, 128, 8)
	ctx := context.Background()

	if _, err := put(t, conn, "a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := put(t, conn, "b", []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := conn.Invoke(ctx, MethodDelete, wrapperspb.String("a"), new(emptypb.Empty)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	st := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodStats, &emptypb.Empty{}, st); err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	fields := st.AsMap()
	if records := fields["records"].(float64); records != 1 {
		t.Errorf("Expected 1 record, got %v", records)
	}
	blocks := fields["blocks"].(map[string]interface{})
	if used := blocks["usedBlocks"].(float64); used != 1 {
		t.Errorf("Expected 1 used block, got %v", used)
	}
}

func TestToStatusPassesThrough(t *testing.T) {
	if ToStatus(nil) != nil {
		t.Error("nil error must stay nil")
	}

	original := status.Error(codes.Unavailable, "down")
	if ToStatus(original) != original {
		t.Error("Status errors must pass through unchanged")
	}

	if code := status.Code(ToStatus(context.DeadlineExceeded)); code != codes.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", code)
	}

	untyped := ToStatus(errors.New("boom"))
	if status.Code(untyped) != codes.Unknown {
		t.Errorf("Expected Unknown, got %v", status.Code(untyped))
	}
	if !errors.Is(FromStatus(untyped), failure.Unknown) {
		t.Errorf("Expected failure.Unknown, got %v", FromStatus(untyped))
	}
}

func TestFromStatusWithoutDetails(t *testing.T) {
	tests := []struct {
		code codes.Code
		kind *failure.Kind
	}{
		{codes.InvalidArgument, failure.BadRequest},
		{codes.NotFound, failure.UnknownResource},
		{codes.Unimplemented, failure.UnknownResource},
		{codes.Internal, failure.Unknown},
	}

	for _, tc := range tests {
		err := FromStatus(status.Error(tc.code, "plain"))
		if !errors.Is(err, tc.kind) {
			t.Errorf("%v: expected %s, got %v", tc.code, tc.kind.Code, err)
		}
	}
}

func TestUnknownMethodIsUnknownResource(t *testing.T) {
	conn := startTestServer(t, 64, 4)

	err := conn.Invoke(context.Background(), "/"+ServiceName+"/Scan", &emptypb.Empty{}, new(emptypb.Empty))
	if !errors.Is(FromStatus(err), failure.UnknownResource) {
		t.Errorf("Expected UnknownResource for an unknown method, got %v", err)
	}
}
