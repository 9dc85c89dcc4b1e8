package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSignPayload(t *testing.T) {
	secret := "test-secret"
	payload := []byte(`{"job":{"name":"j1","state":"SUCCEEDED"}}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got := SignPayload(secret, payload); got != expected {
		t.Errorf("expected signature %s, got %s", expected, got)
	}
}

func TestSignPayloadDifferentSecrets(t *testing.T) {
	payload := []byte(`{"job":{}}`)
	if SignPayload("secret-one", payload) == SignPayload("secret-two", payload) {
		t.Error("different secrets should produce different signatures")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"job":{"name":"j1","state":"FAILED"}}`)
	valid := SignPayload("s3cret", payload)

	tests := []struct {
		name      string
		secret    string
		payload   []byte
		signature string
		want      bool
	}{
		{"valid", "s3cret", payload, valid, true},
		{"wrong secret", "other", payload, valid, false},
		{"tampered body", "s3cret", []byte(`{"job":{"name":"j1","state":"SUCCEEDED"}}`), valid, false},
		{"missing prefix", "s3cret", payload, valid[len("sha256="):], false},
		{"empty signature", "s3cret", payload, "", false},
		{"empty secret", "", payload, SignPayload("", payload), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.payload, tt.signature); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
