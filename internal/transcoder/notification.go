package transcoder

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedNotification = errors.New("malformed job notification")

// Notification is the terminal-state payload the provider publishes for a job.
type Notification struct {
	Job struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"job"`
}

func (n Notification) JobState() JobState {
	return JobState(n.Job.State)
}

type pushEnvelope struct {
	Message *struct {
		Data string `json:"data"`
	} `json:"message"`
}

// ParseNotification accepts either the bare notification body or a Pub/Sub
// push envelope carrying it base64-encoded.
func ParseNotification(body []byte) (Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if env.Message != nil {
		data, err := base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: decode push data: %v", ErrMalformedNotification, err)
		}
		body = data
	}
	return decodeNotification(body)
}

func decodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if n.Job.Name == "" || n.Job.State == "" {
		return Notification{}, fmt.Errorf("%w: missing job name or state", ErrMalformedNotification)
	}
	return n, nil
}
