package grpckv

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/wasmreg/storage"
)

// Server exposes any storage.KV over the KV gRPC service.
type Server struct {
	UnimplementedKVServer

	kv storage.KV
}

func NewServer(kv storage.KV) *Server { return &Server{kv: kv} }

func (s *Server) Get(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	b, err := s.kv.Get(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Put(ctx context.Context, req *structpb.ListValue) (*emptypb.Empty, error) {
	key, value, err := decodeWriteRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, key, value); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) PutIfAbsent(ctx context.Context, req *structpb.ListValue) (*wrapperspb.BoolValue, error) {
	key, value, err := decodeWriteRequest(req)
	if err != nil {
		return nil, err
	}
	created, err := s.kv.PutIfAbsent(ctx, key, value)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(created), nil
}

func (s *Server) SetAdd(ctx context.Context, req *structpb.ListValue) (*emptypb.Empty, error) {
	vals := req.GetValues()
	if len(vals) < 1 {
		return nil, status.Error(codes.InvalidArgument, "set request needs a key")
	}
	key := vals[0].GetStringValue()
	members := make([]string, 0, len(vals)-1)
	for _, v := range vals[1:] {
		members = append(members, v.GetStringValue())
	}
	if err := s.kv.SetAdd(ctx, key, members...); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) SetMembers(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	members, err := s.kv.SetMembers(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(members))}
	for _, m := range members {
		out.Values = append(out.Values, structpb.NewStringValue(m))
	}
	return out, nil
}

// decodeWriteRequest unpacks the [key, base64(value)] write shape. Values
// are base64-encoded because structpb strings must be valid UTF-8.
func decodeWriteRequest(req *structpb.ListValue) (string, []byte, error) {
	vals := req.GetValues()
	if len(vals) != 2 {
		return "", nil, status.Error(codes.InvalidArgument, "write request needs [key, value]")
	}
	key := vals[0].GetStringValue()
	value, err := base64.StdEncoding.DecodeString(vals[1].GetStringValue())
	if err != nil {
		return "", nil, status.Error(codes.InvalidArgument, "write request value is not base64")
	}
	return key, value, nil
}

func toStatus(err error) error {
	switch {
	case storage.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case storage.IsUnavailable(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
