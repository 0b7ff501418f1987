// Package service exposes a storage.Service over gRPC as the
// subframe.StorageNode service.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Store is the storage API served by the node.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) (storage.Location, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Info(ctx context.Context, key string) (storage.Location, error)
	Delete(ctx context.Context, key string) error
	Stats() storage.Stats
}

// StorageNodeService implements StorageNodeServer on top of a Store.
type StorageNodeService struct {
	store      Store
	logger     log.Logger
	maxKeySize int
}

// NewStorageNodeService creates a new StorageNodeService
func NewStorageNodeService(store Store, logger log.Logger) *StorageNodeService {
	if logger == nil {
		logger = log.Component("grpc")
	}
	return &StorageNodeService{
		store:      store,
		logger:     logger,
		maxKeySize: 4096, // 4KB
	}
}

var _ StorageNodeServer = (*StorageNodeService)(nil)

// Put stores the payload under the key given in the record-key metadata.
func (s *StorageNodeService) Put(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	key, err := s.recordKey(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}

	loc, err := s.store.Put(ctx, key, req.GetValue())
	if err != nil {
		return nil, ToStatus(err)
	}
	return s.toStruct(loc)
}

// Get returns the payload stored under the key.
func (s *StorageNodeService) Get(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	key, err := s.checkKey(req.GetValue())
	if err != nil {
		return nil, ToStatus(err)
	}

	data, ferr := failure.Resolve(s.store.Get(ctx, key))
	if ferr != nil {
		return nil, ToStatus(ferr)
	}
	return wrapperspb.Bytes(data.([]byte)), nil
}

// Info returns the location of the payload stored under the key.
func (s *StorageNodeService) Info(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	key, err := s.checkKey(req.GetValue())
	if err != nil {
		return nil, ToStatus(err)
	}

	loc, err := s.store.Info(ctx, key)
	if err != nil {
		return nil, ToStatus(err)
	}
	return s.toStruct(loc)
}

// Delete removes the key and its payload.
func (s *StorageNodeService) Delete(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	key, err := s.checkKey(req.GetValue())
	if err != nil {
		return nil, ToStatus(err)
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Stats returns the node statistics.
func (s *StorageNodeService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.toStruct(s.store.Stats())
}

func (s *StorageNodeService) recordKey(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", failure.New(failure.BadRequest, "missing %s metadata", RecordKeyHeader)
	}
	values := md.Get(RecordKeyHeader)
	if len(values) == 0 {
		return "", failure.New(failure.BadRequest, "missing %s metadata", RecordKeyHeader)
	}
	return s.checkKey(values[0])
}

func (s *StorageNodeService) checkKey(key string) (string, error) {
	if key == "" {
		return "", failure.New(failure.BadRequest, "record key must not be empty")
	}
	if len(key) > s.maxKeySize {
		return "", failure.New(failure.BadRequest, "record key exceeds %d bytes", s.maxKeySize)
	}
	return key, nil
}

// toStruct converts v to a Struct through its JSON form.
func (s *StorageNodeService) toStruct(v interface{}) (*structpb.Struct, error) {
	st, err := ToStruct(v)
	if err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		return nil, ToStatus(failure.Wrap(failure.Unknown, err, "failed to encode response"))
	}
	return st, nil
}

// ToStruct converts v to a Struct through its JSON form.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// FromStruct decodes a Struct into out through its JSON form.
func FromStruct(st *structpb.Struct, out interface{}) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unexpected response shape: %w", err)
	}
	return nil
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		entry := logger.WithFields(map[string]interface{}{
			"method":   info.FullMethod,
			"code":     code.String(),
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.Debug("Request failed: %v", err)
		} else {
			entry.Debug("Request served")
		}
		return resp, err
	}
}
