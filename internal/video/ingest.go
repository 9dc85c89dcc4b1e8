package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pseudotube/pseudotube/internal/media"
	"github.com/pseudotube/pseudotube/internal/transcoder"
)

const failWriteTimeout = 10 * time.Second

// Orchestrator owns a video's lifecycle from upload confirmation to a
// terminal state. Every terminal write goes through transition.
type Orchestrator struct {
	repo   Repository
	store  ObjectStore
	prober Prober
	jobs   JobClient
	pool   *WorkerPool
	now    func() time.Time
}

func NewOrchestrator(repo Repository, store ObjectStore, prober Prober, jobs JobClient, pool *WorkerPool) *Orchestrator {
	return &Orchestrator{
		repo:   repo,
		store:  store,
		prober: prober,
		jobs:   jobs,
		pool:   pool,
		now:    time.Now,
	}
}

// StartIngestion records the video and queues probe, plan and submit. It
// returns as soon as the row exists.
func (o *Orchestrator) StartIngestion(ctx context.Context, handle, ownerID, title, description string) (*Video, error) {
	if title == "" {
		title = DefaultTitle
	}
	v, err := o.repo.Create(ctx, NewVideo{Handle: handle, OwnerID: ownerID, Title: title, Description: description})
	if errors.Is(err, errHandleTaken) {
		return nil, ErrNoActiveUploadSession
	}
	if err != nil {
		return nil, err
	}

	slog.Info("ingest: video created", "hash", handle, "owner_id", ownerID)

	if err := o.pool.Enqueue("ingest:"+handle, func(ctx context.Context) {
		o.runIngestion(ctx, handle)
	}); err != nil {
		slog.Error("ingest: could not queue ingestion", "hash", handle, "error", err)
		o.fail(ctx, handle, "ingestion queue full")
		v.Status = StatusFailed
		return v, err
	}
	return v, nil
}

func (o *Orchestrator) runIngestion(ctx context.Context, handle string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: panic during ingestion", "hash", handle, "panic", r)
			o.fail(ctx, handle, fmt.Sprintf("internal error: %v", r))
		}
	}()

	start := o.now()
	meta, err := o.prober.Probe(ctx, UploadKey(handle))
	if err != nil {
		slog.Error("ingest: probe failed", "hash", handle, "error", err)
		o.fail(ctx, handle, err.Error())
		return
	}

	renditions := media.Plan(meta.Width, meta.Height, meta.FPS, meta.Duration)
	if len(renditions) == 0 {
		slog.Error("ingest: no renditions for source", "hash", handle, "width", meta.Width, "height", meta.Height)
		o.fail(ctx, handle, "source resolution too small")
		return
	}

	jobRef, err := o.jobs.Submit(ctx, o.store.URI(UploadKey(handle)), o.store.URI(OutputPrefix(handle)), renditions)
	if err != nil {
		slog.Error("ingest: job submission failed", "hash", handle, "error", err)
		o.fail(ctx, handle, err.Error())
		return
	}

	if err := o.repo.AttachJob(ctx, handle, jobRef, meta.Duration); err != nil {
		if errors.Is(err, ErrInvalidJobState) {
			slog.Warn("ingest: video left processing before job was attached", "hash", handle, "job", jobRef)
			return
		}
		slog.Error("ingest: failed to store job reference", "hash", handle, "job", jobRef, "error", err)
		o.fail(ctx, handle, "could not record transcode job")
		return
	}

	slog.Info("ingest: job submitted",
		"hash", handle,
		"job", jobRef,
		"renditions", len(renditions),
		"source", fmt.Sprintf("%dx%d@%.3f", meta.Width, meta.Height, meta.FPS),
		"duration_ms", o.now().Sub(start).Milliseconds(),
	)
}

// fail uses a context detached from ctx so a timed-out task still reaches
// the failed state.
func (o *Orchestrator) fail(ctx context.Context, handle, reason string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if _, err := o.repo.MarkFailed(writeCtx, handle, reason); err != nil {
		slog.Error("ingest: failed to mark video failed", "hash", handle, "error", err)
	}
}

// transition applies a terminal job state to a processing video. It is a
// no-op for records that are already terminal.
func (o *Orchestrator) transition(ctx context.Context, v *Video, state transcoder.JobState) (*Video, error) {
	var changed bool
	var err error

	switch state {
	case transcoder.StateSucceeded:
		exists, existsErr := o.store.Exists(ctx, ManifestKey(v.Handle))
		if existsErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, existsErr)
		}
		if !exists {
			return nil, ErrInconsistentProviderState
		}
		changed, err = o.repo.MarkReady(ctx, v.Handle, o.store.PublicURL(ThumbnailKey(v.Handle)))
	case transcoder.StateFailed:
		changed, err = o.repo.MarkFailed(ctx, v.Handle, "transcode job failed")
	default:
		return nil, ErrInvalidJobState
	}
	if err != nil {
		return nil, err
	}
	if changed {
		slog.Info("ingest: video transitioned", "hash", v.Handle, "state", state)
	}
	return o.repo.GetByHandle(ctx, v.Handle)
}

// ReconcilePoll serves the client status poll. A present manifest counts as
// success even when the provider's notification never arrived.
func (o *Orchestrator) ReconcilePoll(ctx context.Context, handle string) (Status, error) {
	v, err := o.repo.GetByHandle(ctx, handle)
	if err != nil {
		return "", err
	}
	if v.Status != StatusProcessing {
		return v.Status, nil
	}

	exists, err := o.store.Exists(ctx, ManifestKey(handle))
	if err != nil {
		slog.Warn("ingest: manifest check failed during poll", "hash", handle, "error", err)
		return v.Status, nil
	}
	if !exists {
		return v.Status, nil
	}

	updated, err := o.transition(ctx, v, transcoder.StateSucceeded)
	if err != nil {
		if errors.Is(err, ErrInconsistentProviderState) {
			return StatusProcessing, nil
		}
		return "", err
	}
	return updated.Status, nil
}

// ReconcileWebhook applies a provider-pushed terminal state, looked up by job.
func (o *Orchestrator) ReconcileWebhook(ctx context.Context, jobRef string, state transcoder.JobState) (*Video, error) {
	if !state.Terminal() {
		return nil, ErrInvalidJobState
	}

	v, err := o.repo.GetByJobRef(ctx, jobRef)
	if err != nil {
		return nil, err
	}
	if v.Status.Terminal() {
		return v, nil
	}

	updated, err := o.transition(ctx, v, state)
	if errors.Is(err, ErrInconsistentProviderState) {
		slog.Warn("ingest: provider reported success without manifest", "hash", v.Handle, "job", jobRef)
	}
	return updated, err
}

// HandleJobNotification adapts ReconcileWebhook to the Pub/Sub subscriber.
func (o *Orchestrator) HandleJobNotification(ctx context.Context, n transcoder.Notification) error {
	_, err := o.ReconcileWebhook(ctx, n.Job.Name, n.JobState())
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidJobState) {
		return transcoder.Permanent(err)
	}
	return err
}

// SweepStale asks the provider about jobs that have been processing longer
// than minAge and applies any terminal state it reports.
func (o *Orchestrator) SweepStale(ctx context.Context, minAge time.Duration, limit int) int {
	stale, err := o.repo.ListStale(ctx, o.now().Add(-minAge), limit)
	if err != nil {
		slog.Error("sweep: failed to list stale videos", "error", err)
		return 0
	}

	transitioned := 0
	for i := range stale {
		v := &stale[i]
		if v.JobRef == nil {
			continue
		}
		state, err := o.jobs.GetStatus(ctx, *v.JobRef)
		if err != nil {
			slog.Warn("sweep: job status unavailable", "hash", v.Handle, "job", *v.JobRef, "error", err)
			continue
		}
		if !state.Terminal() {
			if err := o.repo.MarkChecked(ctx, v.Handle); err != nil {
				slog.Warn("sweep: failed to requeue running job", "hash", v.Handle, "error", err)
			}
			continue
		}
		updated, err := o.transition(ctx, v, state)
		if err != nil {
			slog.Warn("sweep: transition failed", "hash", v.Handle, "state", state, "error", err)
			continue
		}
		if updated.Status.Terminal() {
			transitioned++
		}
	}
	return transitioned
}

// FailOrphaned fails processing records that never got a job, typically
// because the process died mid-ingestion.
func (o *Orchestrator) FailOrphaned(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := o.repo.FailOrphaned(ctx, o.now().Add(-olderThan), "ingestion interrupted")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("ingest: failed orphaned videos", "count", n)
	}
	return n, nil
}

// Status returns the video for a handle without reconciling.
func (o *Orchestrator) Status(ctx context.Context, handle string) (*Video, error) {
	return o.repo.GetByHandle(ctx, handle)
}

func (o *Orchestrator) ViewCount(ctx context.Context, videoID int64) (int64, error) {
	return o.repo.CountViews(ctx, videoID)
}

func (o *Orchestrator) Delete(ctx context.Context, handle, userID string) error {
	v, err := o.repo.GetByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if v.OwnerID != userID {
		return ErrNotOwner
	}
	if err := o.repo.Delete(ctx, handle); err != nil {
		return err
	}
	slog.Info("video: deleted", "hash", handle, "owner_id", userID)
	return nil
}
