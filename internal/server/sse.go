package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleEvents serves the flow's event history. Plain requests get a JSON
// array of events with seq > since; event-stream requests get an SSE
// stream that replays from since and then follows live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid since %q", v)
			return
		}
		since = n
	}
	if !isSSE(r) {
		writeJSON(w, http.StatusOK, f.Events.Since(since))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// nginx proxy compatibility.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so no event falls between history and the
	// live stream; duplicates are filtered by seq.
	live, unsub := f.Events.Subscribe()
	defer unsub()

	lastSeq := since
	for _, e := range f.Events.Since(since) {
		writeSSEEvent(w, e.Seq, e.Type, e)
		lastSeq = e.Seq
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			fmt.Fprintf(w, "event: done\ndata: {}\n\n")
			flusher.Flush()
			return
		case e, open := <-live:
			if !open {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			// The subscriber buffer drops events under pressure; recover
			// any gap from the log.
			if e.Seq > lastSeq+1 {
				for _, missed := range f.Events.Since(lastSeq) {
					if missed.Seq >= e.Seq {
						break
					}
					writeSSEEvent(w, missed.Seq, missed.Type, missed)
					lastSeq = missed.Seq
				}
			}
			writeSSEEvent(w, e.Seq, e.Type, e)
			lastSeq = e.Seq
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, seq int64, typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, typ, data)
}
