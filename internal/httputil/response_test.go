package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	recorder := httptest.NewRecorder()

	WriteJSON(recorder, http.StatusAccepted, map[string]string{"status": "processing"})

	if recorder.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var decoded map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if decoded["status"] != "processing" {
		t.Errorf("expected status=processing, got %s", decoded["status"])
	}
}

func TestWriteErrorProducesErrorField(t *testing.T) {
	recorder := httptest.NewRecorder()

	WriteError(recorder, http.StatusTooManyRequests, "rate limit exceeded")

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, recorder.Code)
	}
	var decoded ErrorBody
	if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if decoded.Error != "rate limit exceeded" {
		t.Errorf("expected error=rate limit exceeded, got %q", decoded.Error)
	}
}

func TestWriteMessageProducesMessageField(t *testing.T) {
	recorder := httptest.NewRecorder()

	WriteMessage(recorder, http.StatusOK, "job status updated")

	var decoded MessageBody
	if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if decoded.Message != "job status updated" {
		t.Errorf("expected message=job status updated, got %q", decoded.Message)
	}
}

func TestDecodeJSON_DecodesBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"clip"}`))

	var body struct {
		Title string `json:"title"`
	}
	if err := DecodeJSON(req, &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Title != "clip" {
		t.Errorf("expected title clip, got %q", body.Title)
	}
}

func TestDecodeJSON_EmptyBodyReturnsEOF(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var body map[string]any
	err := DecodeJSON(req, &body)
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDecodeJSON_MalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{broken"))

	var body map[string]any
	err := DecodeJSON(req, &body)
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestDecodeJSON_RejectsOversizedBody(t *testing.T) {
	payload := `{"title":"` + strings.Repeat("a", MaxJSONBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))

	var body map[string]any
	if err := DecodeJSON(req, &body); err == nil {
		t.Error("expected error for oversized body")
	}
}
