package video

import "errors"

var (
	ErrNoActiveUploadSession     = errors.New("no active upload session")
	ErrUploadNotFound            = errors.New("uploaded object not found")
	ErrStorageUnavailable        = errors.New("object storage unavailable")
	ErrVideoNotFound             = errors.New("video not found")
	ErrJobNotFound               = errors.New("transcode job not found")
	ErrInvalidJobState           = errors.New("invalid job state")
	ErrInconsistentProviderState = errors.New("provider reported success but manifest is missing")
	ErrUnknownTicket             = errors.New("unknown watch ticket")
	ErrAlreadyCounted            = errors.New("view already counted")
	ErrTooSoon                   = errors.New("view recorded too soon")
	ErrVideoUnavailable          = errors.New("video is not ready")
	ErrIngestionQueueFull        = errors.New("ingestion queue full")
	ErrNotOwner                  = errors.New("not the owner of this video")
	ErrBotViewer                 = errors.New("automated viewers are not counted")
)
