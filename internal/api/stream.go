package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/bus"
)

var streamTopics = map[string]string{
	"indicators":   bus.TopicIndicatorNew,
	"alerts":       bus.TopicHuntingAlert,
	"correlations": bus.TopicCorrelationTrigger,
	"feeds":        bus.TopicFeedStatusChanged,
}

// handleStream serves a live NDJSON stream of one bus topic. The
// subscription's bounded queue applies: a client that cannot keep up loses
// the oldest messages rather than backpressuring the engine.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	topic, ok := streamTopics[name]
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown stream topic: "+name)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.deps.Bus.Subscribe(topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub.C():
			if !open {
				return
			}
			if err := enc.Encode(msg); err != nil {
				s.logger.Debug("stream client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
