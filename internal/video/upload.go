package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pseudotube/pseudotube/internal/session"
)

const (
	UploadSessionTTL = 5 * time.Minute
	UploadURLExpiry  = 5 * time.Minute

	uploadSessionKey = "upload"
)

// UploadSession is the presigned slot held by a client session.
type UploadSession struct {
	UploadURL string    `json:"upload_url"`
	Handle    string    `json:"upload_hash"`
	IssuedAt  time.Time `json:"issued_at"`
}

// UploadGuard hands out at most one live upload slot per session so retries
// and double clicks reuse the same object key.
type UploadGuard struct {
	sessions  session.Store
	store     ObjectStore
	now       func() time.Time
	newHandle func() string
}

func NewUploadGuard(sessions session.Store, store ObjectStore) *UploadGuard {
	return &UploadGuard{
		sessions:  sessions,
		store:     store,
		now:       time.Now,
		newHandle: session.NewID,
	}
}

func (g *UploadGuard) live(ctx context.Context, sid string) (*UploadSession, error) {
	var s UploadSession
	found, err := g.sessions.Get(ctx, sid, uploadSessionKey, &s)
	if err != nil {
		return nil, fmt.Errorf("load upload session: %w", err)
	}
	if !found || g.now().Sub(s.IssuedAt) >= UploadSessionTTL {
		return nil, nil
	}
	return &s, nil
}

// RequestUploadSlot returns the session's live slot unchanged, or issues a
// new one under a fresh random handle. The client's content hash is not
// trusted as a storage key.
func (g *UploadGuard) RequestUploadSlot(ctx context.Context, sid, contentHash string) (UploadSession, error) {
	existing, err := g.live(ctx, sid)
	if err != nil {
		return UploadSession{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	handle := g.newHandle()
	url, err := g.store.PresignUploadURL(ctx, UploadKey(handle), UploadURLExpiry)
	if err != nil {
		slog.Error("upload: failed to presign upload url", "hash", handle, "error", err)
		return UploadSession{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s := UploadSession{UploadURL: url, Handle: handle, IssuedAt: g.now()}
	if err := g.sessions.Put(ctx, sid, uploadSessionKey, s, UploadSessionTTL); err != nil {
		return UploadSession{}, fmt.Errorf("store upload session: %w", err)
	}

	slog.Info("upload: slot issued", "hash", handle, "client_hash", contentHash)
	return s, nil
}

// ConfirmUpload consumes the session's slot once the object is present.
func (g *UploadGuard) ConfirmUpload(ctx context.Context, sid string) (string, error) {
	s, err := g.live(ctx, sid)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", ErrNoActiveUploadSession
	}

	exists, err := g.store.Exists(ctx, UploadKey(s.Handle))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !exists {
		return "", ErrUploadNotFound
	}

	if err := g.sessions.Delete(ctx, sid, uploadSessionKey); err != nil {
		return "", fmt.Errorf("consume upload session: %w", err)
	}
	return s.Handle, nil
}
