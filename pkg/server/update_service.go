package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"shardex/pkg/core"
	"shardex/pkg/distrib"
	"shardex/pkg/rpc"
	"shardex/pkg/update"
)

// UpdateService implements the replication gRPC service on top of the
// cores of this node.
type UpdateService struct {
	cores  *core.Container
	logger *zap.Logger
}

// NewUpdateService creates a new Update service
func NewUpdateService(cores *core.Container, logger *zap.Logger) *UpdateService {
	return &UpdateService{cores: cores, logger: logger.Named("update-service")}
}

var _ rpc.UpdateServer = (*UpdateService)(nil)

// resolve finds the core a request addresses: the named core, or a local
// core of the collection a client named.
func (s *UpdateService) resolve(name, collection string) (*core.Core, error) {
	if name != "" {
		c, ok := s.cores.Core(name)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "core %s is not hosted here", name)
		}
		return c, nil
	}
	if collection == "" {
		return nil, rpc.ToStatus(fmt.Errorf("%w: request names neither a core nor a %s", update.ErrBadRequest, rpc.ParamCollection))
	}
	c, ok := s.cores.ForCollection(collection)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no core of collection %s is hosted here", collection)
	}
	return c, nil
}

func (s *UpdateService) handle(ctx context.Context, req *distrib.Request, kind distrib.Kind) (*update.Response, error) {
	c, err := s.resolve(req.Core, req.Params[rpc.ParamCollection])
	if err != nil {
		return nil, err
	}
	r := *req
	r.Kind = kind
	resp, err := c.Processor().Handle(ctx, r)
	if err != nil {
		s.logger.Debug("update failed",
			zap.String("core", c.CoreName()),
			zap.String("kind", string(kind)),
			zap.String("phase", string(r.Phase())),
			zap.Error(err))
		return nil, rpc.ToStatus(err)
	}
	return &resp, nil
}

// Add adds or replaces a document
func (s *UpdateService) Add(ctx context.Context, req *distrib.Request) (*update.Response, error) {
	return s.handle(ctx, req, distrib.KindAdd)
}

// Delete deletes a document by id
func (s *UpdateService) Delete(ctx context.Context, req *distrib.Request) (*update.Response, error) {
	return s.handle(ctx, req, distrib.KindDelete)
}

// DeleteByQuery deletes the documents matching a query
func (s *UpdateService) DeleteByQuery(ctx context.Context, req *distrib.Request) (*update.Response, error) {
	return s.handle(ctx, req, distrib.KindDeleteByQuery)
}

// Commit commits the index of every replica
func (s *UpdateService) Commit(ctx context.Context, req *distrib.Request) (*update.Response, error) {
	return s.handle(ctx, req, distrib.KindCommit)
}

// RealTimeGet returns the latest copy of a document
func (s *UpdateService) RealTimeGet(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	c, err := s.resolve(req.Core, req.Collection)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	doc, version, found, err := c.Processor().Get(ctx, req.ID)
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.GetResponse{Found: found, Doc: doc, Version: version}, nil
}

// FetchIndex returns the whole index of a core in one message, for a
// recovering replica.
func (s *UpdateService) FetchIndex(ctx context.Context, req *rpc.FetchIndexRequest) (*rpc.FetchIndexResponse, error) {
	c, err := s.resolve(req.Core, "")
	if err != nil {
		return nil, err
	}
	resp := &rpc.FetchIndexResponse{}
	err = c.Processor().Index().Scan(ctx, func(doc update.Document, version int64) error {
		resp.Docs = append(resp.Docs, rpc.FetchedDoc{Doc: doc, Version: version})
		return nil
	})
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("served index copy", zap.String("core", c.CoreName()), zap.Int("documents", len(resp.Docs)))
	return resp, nil
}

// RequestRecovery starts recovery of a core in the background
func (s *UpdateService) RequestRecovery(ctx context.Context, req *rpc.RecoveryRequest) (*rpc.Empty, error) {
	if req.Core == "" {
		return nil, status.Error(codes.InvalidArgument, "core is required")
	}
	if err := s.cores.RequestRecovery(req.Core); err != nil {
		if errors.Is(err, core.ErrNoCore) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("recovery requested", zap.String("core", req.Core))
	return &rpc.Empty{}, nil
}
