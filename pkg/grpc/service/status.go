package service

import (
	"context"
	"errors"

	"github.com/subframe/subframe/pkg/common/failure"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// codeFor maps a failure kind onto the closest gRPC status code.
func codeFor(kind *failure.Kind) codes.Code {
	switch kind {
	case failure.BadRequest, failure.InvalidOperation:
		return codes.InvalidArgument
	case failure.UnknownResource, failure.MissingRecord, failure.UnknownBlock:
		return codes.NotFound
	case failure.DataExceedsBlockSize:
		return codes.OutOfRange
	case failure.BlockLimitExceeded:
		return codes.ResourceExhausted
	case failure.WriteError, failure.ReadError:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// ToStatus converts err into a gRPC status error. The failure triple
// travels as a Struct detail so clients can rebuild the typed failure.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	fe := failure.As(err)
	st := status.New(codeFor(fe.Kind), fe.Message)

	detail, derr := structpb.NewStruct(map[string]interface{}{
		"code":        fe.Code(),
		"httpCode":    fe.HTTPCode(),
		"description": fe.Description,
	})
	if derr != nil {
		return st.Err()
	}
	withDetail, derr := st.WithDetails(detail)
	if derr != nil {
		return st.Err()
	}
	return withDetail.Err()
}

// FromStatus rebuilds a typed failure from a status error produced by
// ToStatus. Statuses without a failure detail are mapped by their code.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, d := range st.Details() {
		detail, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := detail.GetFields()
		code := fields["code"].GetStringValue()
		if code == "" {
			continue
		}
		fe := failure.New(failure.Lookup(code), "%s", st.Message())
		if desc := fields["description"].GetStringValue(); desc != "" {
			fe.WithDescription(desc)
		}
		return fe
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return failure.Wrap(failure.BadRequest, err, "%s", st.Message())
	case codes.NotFound, codes.Unimplemented:
		return failure.Wrap(failure.UnknownResource, err, "%s", st.Message())
	default:
		return failure.Wrap(failure.Unknown, err, "%s", st.Message())
	}
}
