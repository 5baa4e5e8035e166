package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"shardex/pkg/cluster"
	"shardex/pkg/update"
	"shardex/storage"
)

// ErrorInfo domain and reasons attached to statuses.
const (
	errorDomain = "shardex"

	ReasonConflict       = "VERSION_CONFLICT"
	ReasonBadVersion     = "BAD_VERSION"
	ReasonNodeExists     = "NODE_EXISTS"
	ReasonNoNode         = "NO_NODE"
	ReasonNotLeader      = "NOT_LEADER"
	ReasonSessionExpired = "SESSION_EXPIRED"
	ReasonBadRequest     = "BAD_REQUEST"
	ReasonUnavailable    = "SERVICE_UNAVAILABLE"
)

func withInfo(code codes.Code, reason string, err error, meta map[string]string) error {
	st := status.New(code, err.Error())
	if ds, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain, Metadata: meta}); derr == nil {
		st = ds
	}
	return st.Err()
}

// ToStatus converts a domain error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var ce *update.ConflictError
	switch {
	case errors.As(err, &ce):
		return withInfo(codes.Aborted, ReasonConflict, err, map[string]string{
			"id":       ce.ID,
			"expected": strconv.FormatInt(ce.Expected, 10),
			"actual":   strconv.FormatInt(ce.Actual, 10),
		})
	case errors.Is(err, update.ErrBadRequest):
		return withInfo(codes.InvalidArgument, ReasonBadRequest, err, nil)
	case errors.Is(err, update.ErrServiceUnavailable):
		return withInfo(codes.Unavailable, ReasonUnavailable, err, nil)
	case errors.Is(err, storage.ErrBadVersion):
		return withInfo(codes.Aborted, ReasonBadVersion, err, nil)
	case errors.Is(err, storage.ErrNodeExists):
		return withInfo(codes.AlreadyExists, ReasonNodeExists, err, nil)
	case errors.Is(err, storage.ErrNoNode):
		return withInfo(codes.NotFound, ReasonNoNode, err, nil)
	case errors.Is(err, cluster.ErrSessionExpired):
		return withInfo(codes.Unavailable, ReasonSessionExpired, err, nil)
	case errors.Is(err, cluster.ErrNotLeader):
		return withInfo(codes.Unavailable, ReasonNotLeader, err, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus turns a gRPC status error back into the domain error it was
// made from, so callers can match sentinels across the wire.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok && ei.GetDomain() == errorDomain {
			info = ei
			break
		}
	}
	if info == nil {
		switch st.Code() {
		case codes.Unavailable:
			return fmt.Errorf("%w: %s", update.ErrServiceUnavailable, st.Message())
		case codes.DeadlineExceeded:
			return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
		}
		return err
	}

	switch info.GetReason() {
	case ReasonConflict:
		m := info.GetMetadata()
		expected, _ := strconv.ParseInt(m["expected"], 10, 64)
		actual, _ := strconv.ParseInt(m["actual"], 10, 64)
		return &update.ConflictError{ID: m["id"], Expected: expected, Actual: actual}
	case ReasonBadRequest:
		return fmt.Errorf("%w: %s", update.ErrBadRequest, st.Message())
	case ReasonUnavailable:
		return fmt.Errorf("%w: %s", update.ErrServiceUnavailable, st.Message())
	case ReasonBadVersion:
		return fmt.Errorf("%w: %s", storage.ErrBadVersion, st.Message())
	case ReasonNodeExists:
		return fmt.Errorf("%w: %s", storage.ErrNodeExists, st.Message())
	case ReasonNoNode:
		return fmt.Errorf("%w: %s", storage.ErrNoNode, st.Message())
	case ReasonSessionExpired:
		return fmt.Errorf("%w: %s", cluster.ErrSessionExpired, st.Message())
	case ReasonNotLeader:
		return fmt.Errorf("%w: %s", cluster.ErrNotLeader, st.Message())
	default:
		return err
	}
}
