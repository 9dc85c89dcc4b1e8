package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mssola/useragent"

	"github.com/pseudotube/pseudotube/internal/session"
)

const (
	// ViewThreshold is the fraction of a video's duration that must elapse
	// between opening a ticket and recording the view.
	ViewThreshold = 0.15
	TicketTTL     = 24 * time.Hour

	ticketKeyPrefix     = "ticket:"
	ticketCountedSuffix = ":counted"
)

// WatchTicket gates a single playback's view. It lives only in the session.
type WatchTicket struct {
	Handle    string    `json:"video_hash"`
	StartedAt time.Time `json:"started_at"`
}

type CountryResolver interface {
	Country(addr string) string
}

type Viewer struct {
	UserID    string
	UserAgent string
	Addr      string
}

type ViewTracker struct {
	sessions session.Store
	repo     Repository
	geo      CountryResolver
	now      func() time.Time
	newID    func() string
}

func NewViewTracker(sessions session.Store, repo Repository, geo CountryResolver) *ViewTracker {
	return &ViewTracker{
		sessions: sessions,
		repo:     repo,
		geo:      geo,
		now:      time.Now,
		newID:    session.NewID,
	}
}

func (t *ViewTracker) OpenTicket(ctx context.Context, sid, handle string) (string, error) {
	id := t.newID()
	ticket := WatchTicket{Handle: handle, StartedAt: t.now()}
	if err := t.sessions.Put(ctx, sid, ticketKeyPrefix+id, ticket, TicketTTL); err != nil {
		return "", fmt.Errorf("store watch ticket: %w", err)
	}
	return id, nil
}

// RecordView writes at most one view per ticket, and only once enough of
// the video could have been watched. The ticket is claimed before the row is
// written, so a failure can lose a view but never count one twice.
func (t *ViewTracker) RecordView(ctx context.Context, sid, ticketID string, viewer Viewer) error {
	key := ticketKeyPrefix + ticketID
	var ticket WatchTicket
	found, err := t.sessions.Get(ctx, sid, key, &ticket)
	if err != nil {
		return fmt.Errorf("load watch ticket: %w", err)
	}
	if !found {
		return ErrUnknownTicket
	}

	claimKey := key + ticketCountedSuffix
	var counted bool
	if done, err := t.sessions.Get(ctx, sid, claimKey, &counted); err != nil {
		return fmt.Errorf("load watch ticket: %w", err)
	} else if done {
		return ErrAlreadyCounted
	}

	v, err := t.repo.GetByHandle(ctx, ticket.Handle)
	if err != nil {
		return err
	}
	if v.Status != StatusReady {
		return ErrVideoUnavailable
	}

	elapsed := t.now().Sub(ticket.StartedAt)
	required := time.Duration(v.Duration * ViewThreshold * float64(time.Second))
	if elapsed < required {
		return ErrTooSoon
	}

	ua := useragent.New(viewer.UserAgent)
	if ua.Bot() {
		return ErrBotViewer
	}

	remaining := TicketTTL - elapsed
	if remaining <= 0 {
		remaining = time.Minute
	}
	claimed, err := t.sessions.PutIfAbsent(ctx, sid, claimKey, true, remaining)
	if err != nil {
		return fmt.Errorf("claim watch ticket: %w", err)
	}
	if !claimed {
		return ErrAlreadyCounted
	}

	rec := ViewRecord{
		VideoID: v.ID,
		UserID:  viewer.UserID,
		Browser: browserName(ua),
		Device:  deviceType(ua),
	}
	if t.geo != nil {
		rec.Country = t.geo.Country(viewer.Addr)
	}
	if err := t.repo.InsertView(ctx, rec); err != nil {
		if rerr := t.sessions.Delete(context.WithoutCancel(ctx), sid, claimKey); rerr != nil {
			slog.Error("view: failed to release ticket claim", "ticket", ticketID, "error", rerr)
		}
		return err
	}
	return nil
}

func browserName(ua *useragent.UserAgent) string {
	name, _ := ua.Browser()
	if name == "" {
		return "Other"
	}
	return name
}

func deviceType(ua *useragent.UserAgent) string {
	if ua.Mobile() {
		return "Mobile"
	}
	return "Desktop"
}
