package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeResolver struct {
	readURL string
	err     error
}

func (f fakeResolver) ReadURL(_ context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.readURL + key, nil
}

func (f fakeResolver) URI(key string) string {
	return "gs://videos/" + key
}

func runnerReturning(out string, err error) CommandRunner {
	return func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestFFprobeParsesFirstVideoStream(t *testing.T) {
	var gotArgs []string
	prober := NewFFprobe(fakeResolver{readURL: "https://signed/"}).WithRunner(
		func(_ context.Context, name string, args ...string) ([]byte, error) {
			if name != "ffprobe" {
				t.Errorf("expected ffprobe binary, got %q", name)
			}
			gotArgs = args
			return []byte(`{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30000/1001","duration":"12.5"}]}`), nil
		})

	meta, err := prober.Probe(context.Background(), "uploads/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Width != 1920 || meta.Height != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", meta.Width, meta.Height)
	}
	if meta.FPS < 29.96 || meta.FPS > 29.98 {
		t.Errorf("expected ~29.97 fps, got %f", meta.FPS)
	}
	if meta.Duration != 12.5 {
		t.Errorf("expected duration 12.5, got %f", meta.Duration)
	}
	if last := gotArgs[len(gotArgs)-1]; last != "https://signed/uploads/abc" {
		t.Errorf("expected signed URL as last arg, got %q", last)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "-select_streams v:0") {
		t.Errorf("expected first video stream selection, got %v", gotArgs)
	}
}

func TestFFprobeFallsBackToFormatDuration(t *testing.T) {
	prober := NewFFprobe(fakeResolver{}).WithRunner(runnerReturning(
		`{"streams":[{"width":640,"height":360,"r_frame_rate":"25/1"}],"format":{"duration":"42.0"}}`, nil))

	meta, err := prober.Probe(context.Background(), "uploads/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Duration != 42 {
		t.Errorf("expected format duration 42, got %f", meta.Duration)
	}
}

func TestFFprobeErrors(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		runErr  error
		wantErr error
	}{
		{"process failure", "", errors.New("exit status 1"), ErrProbeFailed},
		{"empty output", "  ", nil, ErrNoMetadata},
		{"empty object", "{}", nil, ErrNoMetadata},
		{"no streams", `{"streams":[]}`, nil, ErrNoStreams},
		{"zero dimensions", `{"streams":[{"width":0,"height":0}]}`, nil, ErrNoMetadata},
		{"malformed", `{"streams":`, nil, ErrProbeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := NewFFprobe(fakeResolver{}).WithRunner(runnerReturning(tt.out, tt.runErr))
			_, err := prober.Probe(context.Background(), "uploads/abc")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFFprobeResolverFailure(t *testing.T) {
	prober := NewFFprobe(fakeResolver{err: errors.New("no credentials")}).WithRunner(runnerReturning("", nil))
	_, err := prober.Probe(context.Background(), "uploads/abc")
	if !errors.Is(err, ErrProbeFailed) {
		t.Errorf("expected ErrProbeFailed, got %v", err)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"24000/1001", 24000.0 / 1001.0},
		{"0/0", 0},
		{"", 0},
		{"25", 25},
		{"1/0", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseFrameRate(tt.in); got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("N/A"); got != 0 {
		t.Errorf("expected 0 for N/A, got %f", got)
	}
	if got := ParseDuration("-1"); got != 0 {
		t.Errorf("expected 0 for negative, got %f", got)
	}
	if got := ParseDuration("3.25"); got != 3.25 {
		t.Errorf("expected 3.25, got %f", got)
	}
}

func TestRemoteProberSendsGCSPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req map[string]string
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req["gcs_path"] != "gs://videos/uploads/abc" {
			t.Errorf("unexpected gcs_path %q", req["gcs_path"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"width":1280,"height":720,"fps":30,"duration":8}`))
	}))
	defer srv.Close()

	prober := NewRemoteProberWithClient(srv.URL, fakeResolver{}, srv.Client())
	meta, err := prober.Probe(context.Background(), "uploads/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Metadata{Width: 1280, Height: 720, FPS: 30, Duration: 8}
	if meta != want {
		t.Errorf("expected %+v, got %+v", want, meta)
	}
}

func TestRemoteProberErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "boom", ErrProbeFailed},
		{"empty body", http.StatusOK, "", ErrNoMetadata},
		{"empty object", http.StatusOK, "{}", ErrNoMetadata},
		{"zero streams", http.StatusOK, `{"streams":0}`, ErrNoStreams},
		{"malformed", http.StatusOK, `{"width":`, ErrProbeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			prober := NewRemoteProberWithClient(srv.URL, fakeResolver{}, srv.Client())
			_, err := prober.Probe(context.Background(), "uploads/abc")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
