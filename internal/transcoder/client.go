package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	transcoderapi "cloud.google.com/go/video/transcoder/apiv1"
	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/pseudotube/pseudotube/internal/media"
)

var (
	ErrJobSubmissionFailed  = errors.New("transcode job submission failed")
	ErrJobStatusUnavailable = errors.New("transcode job status unavailable")
)

type JobState string

const (
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transition is expected for the job.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

const (
	ManifestFileName  = "manifest.mpd"
	ThumbnailPrefix   = "small-thumbnail"
	ThumbnailFileName = ThumbnailPrefix + "0000000000.jpeg"
	audioStreamKey    = "audio"
	muxContainer      = "fmp4"
)

type jobsAPI interface {
	CreateJob(ctx context.Context, req *transcoderpb.CreateJobRequest, opts ...gax.CallOption) (*transcoderpb.Job, error)
	GetJob(ctx context.Context, req *transcoderpb.GetJobRequest, opts ...gax.CallOption) (*transcoderpb.Job, error)
}

type Config struct {
	ProjectID   string
	Location    string
	PubsubTopic string
}

type Client struct {
	api    jobsAPI
	close  func() error
	parent string
	topic  string
}

func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, errors.New("transcoder project and location are required")
	}
	api, err := transcoderapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create transcoder client: %w", err)
	}
	c := newWithAPI(api, cfg)
	c.close = api.Close
	return c, nil
}

func newWithAPI(api jobsAPI, cfg Config) *Client {
	topic := cfg.PubsubTopic
	if topic != "" && !strings.HasPrefix(topic, "projects/") {
		topic = fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, topic)
	}
	return &Client{
		api:    api,
		parent: fmt.Sprintf("projects/%s/locations/%s", cfg.ProjectID, cfg.Location),
		topic:  topic,
	}
}

func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Submit creates a job and returns its full resource name, which is what
// the provider echoes back in notifications.
func (c *Client) Submit(ctx context.Context, inputURI, outputURI string, renditions []media.Rendition) (string, error) {
	if len(renditions) == 0 {
		return "", fmt.Errorf("%w: no renditions", ErrJobSubmissionFailed)
	}

	job, err := c.api.CreateJob(ctx, &transcoderpb.CreateJobRequest{
		Parent: c.parent,
		Job: &transcoderpb.Job{
			InputUri:  inputURI,
			OutputUri: outputURI,
			JobConfig: &transcoderpb.Job_Config{
				Config: BuildJobConfig(renditions, c.topic),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobSubmissionFailed, err)
	}
	if job.GetName() == "" {
		return "", fmt.Errorf("%w: provider returned no job name", ErrJobSubmissionFailed)
	}

	slog.Info("transcoder: job submitted", "job", job.GetName(), "renditions", len(renditions))
	return job.GetName(), nil
}

func (c *Client) GetStatus(ctx context.Context, jobRef string) (JobState, error) {
	name := jobRef
	if !strings.HasPrefix(name, "projects/") {
		name = c.parent + "/jobs/" + jobRef
	}

	job, err := c.api.GetJob(ctx, &transcoderpb.GetJobRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobStatusUnavailable, err)
	}

	state := mapState(job.GetState())
	if state == StateFailed && job.GetError() != nil {
		slog.Warn("transcoder: job failed", "job", name, "reason", job.GetError().GetMessage())
	}
	return state, nil
}

func mapState(s transcoderpb.Job_ProcessingState) JobState {
	switch s {
	case transcoderpb.Job_SUCCEEDED:
		return StateSucceeded
	case transcoderpb.Job_FAILED:
		return StateFailed
	default:
		return StateRunning
	}
}

// BuildJobConfig lays out one H.264 stream per rendition with a shared AAC
// track, each muxed into its own fMP4 stream under a single DASH manifest.
func BuildJobConfig(renditions []media.Rendition, topic string) *transcoderpb.JobConfig {
	cfg := &transcoderpb.JobConfig{}
	muxKeys := make([]string, 0, len(renditions)+1)

	for _, r := range renditions {
		key := r.Key()
		cfg.ElementaryStreams = append(cfg.ElementaryStreams, &transcoderpb.ElementaryStream{
			Key: key,
			ElementaryStream: &transcoderpb.ElementaryStream_VideoStream{
				VideoStream: &transcoderpb.VideoStream{
					CodecSettings: &transcoderpb.VideoStream_H264{
						H264: &transcoderpb.VideoStream_H264CodecSettings{
							WidthPixels:  int32(r.Width),
							HeightPixels: int32(r.Height),
							BitrateBps:   int32(r.BitrateBps),
							FrameRate:    r.FrameRate,
						},
					},
				},
			},
		})
	}

	cfg.ElementaryStreams = append(cfg.ElementaryStreams, &transcoderpb.ElementaryStream{
		Key: audioStreamKey,
		ElementaryStream: &transcoderpb.ElementaryStream_AudioStream{
			AudioStream: &transcoderpb.AudioStream{
				Codec:      media.AudioCodec,
				BitrateBps: media.AudioBitrate,
			},
		},
	})

	for _, es := range cfg.ElementaryStreams {
		cfg.MuxStreams = append(cfg.MuxStreams, &transcoderpb.MuxStream{
			Key:               es.GetKey(),
			Container:         muxContainer,
			ElementaryStreams: []string{es.GetKey()},
			SegmentSettings: &transcoderpb.SegmentSettings{
				SegmentDuration: durationpb.New(media.SegmentDuration),
			},
		})
		muxKeys = append(muxKeys, es.GetKey())
	}

	cfg.Manifests = []*transcoderpb.Manifest{{
		FileName:   ManifestFileName,
		Type:       transcoderpb.Manifest_DASH,
		MuxStreams: muxKeys,
	}}

	smallest := renditions[len(renditions)-1]
	cfg.SpriteSheets = []*transcoderpb.SpriteSheet{{
		FilePrefix:         ThumbnailPrefix,
		SpriteWidthPixels:  int32(smallest.Width),
		SpriteHeightPixels: int32(smallest.Height),
		ExtractionStrategy: &transcoderpb.SpriteSheet_TotalCount{TotalCount: 1},
	}}

	if topic != "" {
		cfg.PubsubDestination = &transcoderpb.PubsubDestination{Topic: topic}
	}
	return cfg
}
