package update

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"shardex/pkg/metrics"
	"shardex/pkg/state"
)

// Publisher publishes this core's replica state.
type Publisher interface {
	PublishState(ctx context.Context, replicaState string) error
}

// FetchedDoc is one document of a leader's index.
type FetchedDoc struct {
	Doc     Document
	Version int64
}

// IndexFetcher copies the index of a core from another node.
type IndexFetcher interface {
	FetchIndex(ctx context.Context, baseURL, core string) ([]FetchedDoc, error)
}

// Recover brings a replica in line with its shard leader. Updates that
// arrive meanwhile are buffered and replayed once the leader's index is
// installed. A leader has nothing to recover from.
func (p *Processor) Recover(ctx context.Context, pub Publisher, fetch IndexFetcher) error {
	leader, err := p.view.LeaderRetry(ctx, p.desc.Collection(), p.desc.ShardID(), p.cfg.LeaderTimeout)
	if err != nil {
		return unavailable("%v", err)
	}
	if leader.Name() == p.desc.CoreNodeName() {
		p.logger.Info("leader of the shard, skipping recovery")
		return nil
	}

	if _, err := p.ulog.BufferUpdates(); err != nil {
		return err
	}
	if err := pub.PublishState(ctx, state.ReplicaRecovering); err != nil {
		return fmt.Errorf("publish %s: %w", state.ReplicaRecovering, err)
	}
	p.logger.Info("recovering from leader", zap.String("leader", leader.CoreURL()))

	docs, err := fetch.FetchIndex(ctx, leader.BaseURL(), leader.CoreName())
	if err != nil {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		if perr := pub.PublishState(ctx, state.ReplicaRecoveryFailed); perr != nil {
			p.logger.Warn("could not publish failed recovery", zap.Error(perr))
		}
		return fmt.Errorf("fetch index from %s: %w", leader.CoreURL(), err)
	}
	if err := p.install(ctx, docs); err != nil {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		return err
	}

	n, err := p.ApplyBuffered(ctx)
	if err != nil {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		return err
	}
	if err := p.commitLocal(ctx, &CommitCommand{}); err != nil {
		return err
	}
	if err := pub.PublishState(ctx, state.ReplicaActive); err != nil {
		return fmt.Errorf("publish %s: %w", state.ReplicaActive, err)
	}
	metrics.Recoveries.WithLabelValues("ok").Inc()
	p.logger.Info("recovered", zap.Int("documents", len(docs)), zap.Int("replayed", n))
	return nil
}

// install replaces the local index with docs.
func (p *Processor) install(ctx context.Context, docs []FetchedDoc) error {
	p.vinfo.BlockUpdates()
	defer p.vinfo.UnblockUpdates()

	if err := p.index.Purge(ctx); err != nil {
		return fmt.Errorf("purge index: %w", err)
	}
	for _, fd := range docs {
		if err := p.index.Put(ctx, fd.Doc, fd.Version); err != nil {
			return err
		}
		b := p.vinfo.Bucket(fd.Doc.ID())
		b.Lock()
		b.UpdateHighest(fd.Version)
		b.Unlock()
		p.vinfo.UpdateClock(fd.Version)
	}
	p.ulog.ClearRecent()
	return nil
}
