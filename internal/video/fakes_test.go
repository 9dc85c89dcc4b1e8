package video

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pseudotube/pseudotube/internal/media"
	"github.com/pseudotube/pseudotube/internal/transcoder"
)

type fakeRepo struct {
	mu          sync.Mutex
	videos      map[string]*Video
	views       []ViewRecord
	nextID      int64
	readyWrites int
	failWrites  int
	getErr      error
	insertErrs  []error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{videos: make(map[string]*Video)}
}

func (r *fakeRepo) put(v Video) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if v.ID == 0 {
		v.ID = r.nextID
	}
	r.videos[v.Handle] = &v
}

func (r *fakeRepo) snapshot(handle string) Video {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.videos[handle]
}

func (r *fakeRepo) Create(_ context.Context, nv NewVideo) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[nv.Handle]; ok {
		return nil, errHandleTaken
	}
	r.nextID++
	now := time.Now()
	v := &Video{
		ID: r.nextID, Handle: nv.Handle, OwnerID: nv.OwnerID, Title: nv.Title, Description: nv.Description,
		Status: StatusProcessing, CreatedAt: now, UpdatedAt: now,
	}
	r.videos[nv.Handle] = v
	cp := *v
	return &cp, nil
}

func (r *fakeRepo) AttachJob(_ context.Context, handle, jobRef string, sourceDuration float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[handle]
	if !ok || v.Status != StatusProcessing || v.JobRef != nil {
		return ErrInvalidJobState
	}
	ref := jobRef
	v.JobRef = &ref
	v.SourceDuration = sourceDuration
	v.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) GetByHandle(_ context.Context, handle string) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	v, ok := r.videos[handle]
	if !ok {
		return nil, ErrVideoNotFound
	}
	cp := *v
	return &cp, nil
}

func (r *fakeRepo) GetByJobRef(_ context.Context, jobRef string) (*Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.videos {
		if (v.JobRef != nil && *v.JobRef == jobRef) || (v.CompletedJobRef != nil && *v.CompletedJobRef == jobRef) {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrJobNotFound
}

func (r *fakeRepo) finish(v *Video) {
	if v.JobRef != nil {
		v.CompletedJobRef = v.JobRef
	}
	v.JobRef = nil
	v.UpdatedAt = time.Now()
}

func (r *fakeRepo) MarkReady(_ context.Context, handle, thumbnailURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[handle]
	if !ok || v.Status != StatusProcessing {
		return false, nil
	}
	v.Status = StatusReady
	v.Duration = v.SourceDuration
	v.ThumbnailURL = thumbnailURL
	r.finish(v)
	r.readyWrites++
	return true, nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, handle, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[handle]
	if !ok || v.Status != StatusProcessing {
		return false, nil
	}
	v.Status = StatusFailed
	v.FailureReason = reason
	r.finish(v)
	r.failWrites++
	return true, nil
}

func (r *fakeRepo) ListStale(_ context.Context, before time.Time, limit int) ([]Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Video
	for _, v := range r.videos {
		if v.Status == StatusProcessing && v.JobRef != nil && v.UpdatedAt.Before(before) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkChecked(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.videos[handle]; ok && v.Status == StatusProcessing {
		v.UpdatedAt = time.Now()
	}
	return nil
}

func (r *fakeRepo) FailOrphaned(_ context.Context, before time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, v := range r.videos {
		if v.Status == StatusProcessing && v.JobRef == nil && v.UpdatedAt.Before(before) {
			v.Status = StatusFailed
			v.FailureReason = reason
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) Delete(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[handle]; !ok {
		return ErrVideoNotFound
	}
	delete(r.videos, handle)
	return nil
}

func (r *fakeRepo) InsertView(_ context.Context, rec ViewRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.insertErrs) > 0 {
		err := r.insertErrs[0]
		r.insertErrs = r.insertErrs[1:]
		return err
	}
	r.views = append(r.views, rec)
	return nil
}

func (r *fakeRepo) CountViews(_ context.Context, videoID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, v := range r.views {
		if v.VideoID == videoID {
			n++
		}
	}
	return n, nil
}

type fakeStore struct {
	mu           sync.Mutex
	objects      map[string]bool
	presignErr   error
	existsErr    error
	presignCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]bool)}
}

func (s *fakeStore) add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = true
}

func (s *fakeStore) PresignUploadURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presignErr != nil {
		return "", s.presignErr
	}
	s.presignCalls++
	return fmt.Sprintf("https://storage.test/%s?expires=%d&n=%d", key, int(expiry.Seconds()), s.presignCalls), nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.objects[key], nil
}

func (s *fakeStore) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (s *fakeStore) URI(key string) string {
	return "gs://bucket/" + key
}

type fakeProber struct {
	meta  media.Metadata
	err   error
	panic bool
}

func (p *fakeProber) Probe(_ context.Context, _ string) (media.Metadata, error) {
	if p.panic {
		panic("prober exploded")
	}
	return p.meta, p.err
}

type submission struct {
	inputURI   string
	outputURI  string
	renditions []media.Rendition
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []submission
	submitErr error
	states    map[string]transcoder.JobState
	statusErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{states: make(map[string]transcoder.JobState)}
}

func (j *fakeJobs) Submit(_ context.Context, inputURI, outputURI string, renditions []media.Rendition) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitErr != nil {
		return "", j.submitErr
	}
	j.submitted = append(j.submitted, submission{inputURI: inputURI, outputURI: outputURI, renditions: renditions})
	return fmt.Sprintf("projects/p/locations/l/jobs/job-%d", len(j.submitted)), nil
}

func (j *fakeJobs) GetStatus(_ context.Context, jobRef string) (transcoder.JobState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statusErr != nil {
		return "", j.statusErr
	}
	if s, ok := j.states[jobRef]; ok {
		return s, nil
	}
	return transcoder.StateRunning, nil
}

func strPtr(s string) *string { return &s }
