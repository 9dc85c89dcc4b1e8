package video

import (
	"context"
	"time"

	"github.com/pseudotube/pseudotube/internal/media"
	"github.com/pseudotube/pseudotube/internal/transcoder"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// PollStatus is the word the status endpoint reports for s.
func (s Status) PollStatus() string {
	if s == StatusReady {
		return "processed"
	}
	return string(s)
}

const DefaultTitle = "Untitled Video"

type Video struct {
	ID              int64
	Handle          string
	OwnerID         string
	Title           string
	Description     string
	Hidden          bool
	Status          Status
	JobRef          *string
	CompletedJobRef *string
	SourceDuration  float64
	Duration        float64
	ThumbnailURL    string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type NewVideo struct {
	Handle      string
	OwnerID     string
	Title       string
	Description string
}

type ViewRecord struct {
	VideoID int64
	UserID  string
	Browser string
	Device  string
	Country string
}

func UploadKey(handle string) string {
	return "uploads/" + handle
}

func OutputPrefix(handle string) string {
	return "transcoded/" + handle + "/"
}

func ManifestKey(handle string) string {
	return OutputPrefix(handle) + transcoder.ManifestFileName
}

func ThumbnailKey(handle string) string {
	return OutputPrefix(handle) + transcoder.ThumbnailFileName
}

// ObjectStore is the slice of the storage backends the ingestion flow needs.
type ObjectStore interface {
	PresignUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	PublicURL(key string) string
	URI(key string) string
}

type Prober interface {
	Probe(ctx context.Context, key string) (media.Metadata, error)
}

type JobClient interface {
	Submit(ctx context.Context, inputURI, outputURI string, renditions []media.Rendition) (string, error)
	GetStatus(ctx context.Context, jobRef string) (transcoder.JobState, error)
}
