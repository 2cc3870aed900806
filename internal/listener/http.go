package listener

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const maxRequestBody = 64 * 1024

// Routes registers the HTTP equivalents of the NATS subjects plus job and
// cache inspection endpoints.
func (l *Listener) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/voice", l.handleHTTPGenerate)
	mux.HandleFunc("POST /v1/voice/hit", l.handleHTTPHit)
	mux.HandleFunc("GET /v1/jobs/{key}", l.handleJob)
	mux.HandleFunc("DELETE /v1/cache/{key}", l.handleDeleteCache)
}

func (l *Listener) handleHTTPGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	ack := l.Generate(r.Context(), req, "http")
	if !ack.Accepted {
		writeJSON(w, http.StatusBadRequest, ack)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (l *Listener) handleHTTPHit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	l.Hit(r.Context(), req, "http")
	w.WriteHeader(http.StatusNoContent)
}

func (l *Listener) handleJob(w http.ResponseWriter, r *http.Request) {
	key := fingerprint.Key(r.PathValue("key"))
	if !key.Valid() {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	cached := l.store.Has(key)
	job, ok := l.reg.Lookup(key)
	if !ok {
		if !cached {
			http.Error(w, "unknown key", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, protocol.JobStatus{Key: key.String(), State: protocol.StatusCached, Cached: true})
		return
	}
	st := protocol.JobStatus{
		Key:         job.Key.String(),
		Text:        job.Text,
		State:       status(job.State),
		Priority:    job.Priority.String(),
		Source:      job.Source,
		Attempt:     job.Attempt,
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   job.UpdatedAt,
		NotBefore:   job.NotBefore,
		LastError:   job.LastError,
		Cached:      cached,
	}
	if job.LastError != "" {
		st.ErrorKind = job.LastKind.String()
	}
	writeJSON(w, http.StatusOK, st)
}

func (l *Listener) handleDeleteCache(w http.ResponseWriter, r *http.Request) {
	key := fingerprint.Key(r.PathValue("key"))
	if !key.Valid() {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	if err := l.store.Delete(key); err != nil {
		l.log.Error("cache delete failed", slog.String("key", key.Short()), slog.String("error", err.Error()))
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	l.reg.Forget(key)
	l.record(eventstore.Event{JobKey: key.String(), Type: eventstore.TypeCacheDeleted, Detail: "http"})
	w.WriteHeader(http.StatusNoContent)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (protocol.VoiceRequest, bool) {
	var req protocol.VoiceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
