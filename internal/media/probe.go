package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
)

var (
	ErrProbeFailed = errors.New("metadata probe failed")
	ErrNoMetadata  = errors.New("prober returned no metadata")
	ErrNoStreams   = errors.New("no video streams found")
)

// Metadata describes the first video stream of an uploaded object.
type Metadata struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Duration float64 `json:"duration"`
}

// URLResolver yields a URL the prober can read the object from.
type URLResolver interface {
	ReadURL(ctx context.Context, key string) (string, error)
}

// URIResolver yields the provider-facing URI (gs://, s3://) of an object.
type URIResolver interface {
	URI(key string) string
}

// CommandRunner runs an external binary and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// FFprobe probes objects with a local ffprobe process reading a signed URL.
type FFprobe struct {
	resolver URLResolver
	run      CommandRunner
	binary   string
}

func NewFFprobe(resolver URLResolver) *FFprobe {
	return &FFprobe{resolver: resolver, run: execRunner, binary: "ffprobe"}
}

// WithRunner replaces the process runner; used by tests.
func (p *FFprobe) WithRunner(run CommandRunner) *FFprobe {
	p.run = run
	return p
}

func buildProbeArgs(source string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		source,
	}
}

func (p *FFprobe) Probe(ctx context.Context, key string) (Metadata, error) {
	source, err := p.resolver.ReadURL(ctx, key)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: resolve source: %v", ErrProbeFailed, err)
	}

	start := time.Now()
	out, err := p.run(ctx, p.binary, buildProbeArgs(source)...)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	slog.Debug("probe: ffprobe finished", "key", key, "duration_ms", time.Since(start).Milliseconds())

	return parseProbeOutput(out)
}

type ffprobeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(out []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return Metadata{}, ErrNoMetadata
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("%w: decode ffprobe output: %v", ErrProbeFailed, err)
	}
	if len(parsed.Streams) == 0 {
		return Metadata{}, ErrNoStreams
	}

	stream := parsed.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return Metadata{}, ErrNoMetadata
	}

	duration := ParseDuration(stream.Duration)
	if duration == 0 {
		duration = ParseDuration(parsed.Format.Duration)
	}

	return Metadata{
		Width:    stream.Width,
		Height:   stream.Height,
		FPS:      ParseFrameRate(stream.RFrameRate),
		Duration: duration,
	}, nil
}

// ParseFrameRate converts an ffprobe rational such as "30000/1001".
func ParseFrameRate(fraction string) float64 {
	if fraction == "" || fraction == "0/0" {
		return 0
	}
	var num, den int
	if _, err := fmt.Sscanf(fraction, "%d/%d", &num, &den); err == nil && den > 0 {
		return float64(num) / float64(den)
	}
	if v, err := strconv.ParseFloat(fraction, 64); err == nil {
		return v
	}
	return 0
}

func ParseDuration(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// RemoteProber delegates probing to an HTTP function that reads the object
// directly from the bucket.
type RemoteProber struct {
	endpoint string
	resolver URIResolver
	client   *http.Client
}

// NewRemoteProber authenticates calls with a Google-signed ID token whose
// audience is the function URL.
func NewRemoteProber(ctx context.Context, endpoint string, resolver URIResolver) (*RemoteProber, error) {
	client, err := idtoken.NewClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create id token client: %w", err)
	}
	client.Timeout = 2 * time.Minute
	return NewRemoteProberWithClient(endpoint, resolver, client), nil
}

func NewRemoteProberWithClient(endpoint string, resolver URIResolver, client *http.Client) *RemoteProber {
	return &RemoteProber{endpoint: endpoint, resolver: resolver, client: client}
}

type remoteProbeRequest struct {
	GCSPath string `json:"gcs_path"`
}

type remoteProbeResponse struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Duration float64 `json:"duration"`
	Streams  *int    `json:"streams,omitempty"`
}

func (p *RemoteProber) Probe(ctx context.Context, key string) (Metadata, error) {
	body, err := json.Marshal(remoteProbeRequest{GCSPath: p.resolver.URI(key)})
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: encode request: %v", ErrProbeFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: build request: %v", ErrProbeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: read response: %v", ErrProbeFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}, fmt.Errorf("%w: status %d: %s", ErrProbeFailed, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("{}")) || bytes.Equal(payload, []byte("null")) {
		return Metadata{}, ErrNoMetadata
	}

	var parsed remoteProbeResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("%w: decode response: %v", ErrProbeFailed, err)
	}
	if parsed.Streams != nil && *parsed.Streams == 0 {
		return Metadata{}, ErrNoStreams
	}
	if parsed.Width <= 0 || parsed.Height <= 0 {
		return Metadata{}, ErrNoMetadata
	}

	return Metadata{
		Width:    parsed.Width,
		Height:   parsed.Height,
		FPS:      parsed.FPS,
		Duration: parsed.Duration,
	}, nil
}
