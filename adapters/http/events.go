package authhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/open-rails/socialauth/core"
)

const eventBuffer = 16

// handleEventsGET streams coordinator transitions as Server-Sent Events.
// The first event is a snapshot of the current state. A client that falls
// more than eventBuffer transitions behind is disconnected and is expected
// to reconnect and resync from the snapshot.
func (s *Service) handleEventsGET(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLEvents) {
		tooMany(w)
		return
	}
	rc := http.NewResponseController(w)

	events := make(chan core.Transition, eventBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	cancel := s.coord.Subscribe(func(t core.Transition) {
		if overflowed {
			return
		}
		select {
		case events <- t:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snapshotView(s.coord.Snapshot())); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			s.log.Debug("events_client_lagging")
			return
		case t := <-events:
			if err := writeEvent(w, "transition", transitionView(t)); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}
