// Package api is the producer side of the dispatch pipeline: channel
// services call it to register callbacks, save journal entries and enqueue
// alarm and report tasks.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"hpjflow/internal/journal"
	"hpjflow/internal/store"
	"hpjflow/internal/task"
	"hpjflow/internal/webhook"
)

// Config wires a Server.
type Config struct {
	Store    *store.Store
	Journal  *journal.Repo
	Verifier *webhook.Verifier
	Logger   zerolog.Logger
	Location *time.Location
}

type server struct {
	store    *store.Store
	journal  *journal.Repo
	verifier *webhook.Verifier
	log      zerolog.Logger
	loc      *time.Location
}

// NewServer builds the producer API handler.
func NewServer(cfg Config) http.Handler {
	s := &server{
		store:    cfg.Store,
		journal:  cfg.Journal,
		verifier: cfg.Verifier,
		log:      cfg.Logger,
		loc:      cfg.Location,
	}
	if s.loc == nil {
		s.loc = time.Local
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/users/set-alarm", s.setAlarm)
		r.Get("/entries/report", s.requestReport)
		r.Post("/entries/save-entry", s.saveEntry)
		r.Post("/webhooks/subscribe", s.subscribeWebhook)
		r.Post("/webhooks/unsubscribe", s.unsubscribeWebhook)
	})

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requireToken rejects requests without a valid bearer token.
func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.verifier.Verify(strings.TrimPrefix(h, prefix)); err != nil {
			s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type setAlarmReq struct {
	Channel   string `json:"channel"`
	ChannelID int64  `json:"channel_id"`
	Time      string `json:"time"` // HH:MM, empty clears the alarm
}

// setAlarm saves a user's daily alarm time and enqueues the subscription
// changes: the old time is unsubscribed before the new one is subscribed.
func (s *server) setAlarm(w http.ResponseWriter, r *http.Request) {
	var req setAlarmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channel, err := task.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Time != "" {
		if _, err := time.Parse(task.TimeLayout, req.Time); err != nil {
			http.Error(w, "time must be HH:MM", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	u, err := s.journal.UpsertUser(ctx, channel, req.ChannelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if u.Alarm != "" && u.Alarm != req.Time {
		del := task.AlarmTask{Action: task.ActionDelete, Channel: channel, ChannelID: req.ChannelID, Time: u.Alarm}
		if err := s.store.Push(ctx, store.AlarmQueue, del.Encode()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if req.Time != "" && u.Alarm != req.Time {
		add := task.AlarmTask{Action: task.ActionAdd, Channel: channel, ChannelID: req.ChannelID, Time: req.Time}
		if err := s.store.Push(ctx, store.AlarmQueue, add.Encode()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := s.journal.SetAlarm(ctx, u.ID, req.Time); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// requestReport enqueues an interactive report task. end_date defaults to
// today so "my journal so far" needs no date math on the channel side.
func (s *server) requestReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel, err := task.ParseChannel(q.Get("channel"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channelID, err := strconv.ParseInt(q.Get("channel_id"), 10, 64)
	if err != nil {
		http.Error(w, "channel_id must be an integer", http.StatusBadRequest)
		return
	}
	start, err := reportDate(q, "start_date", "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := reportDate(q, "end_date", time.Now().In(s.loc).Format(task.DateLayout))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	u, err := s.journal.UserByChannel(ctx, channel, channelID)
	if errors.Is(err, journal.ErrUserNotFound) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	t := task.ReportTask{
		UserID:    u.ID,
		Channel:   channel,
		ChannelID: channelID,
		Requester: task.RequesterChannel,
		Start:     start,
		End:       end,
	}
	if err := s.store.Push(ctx, store.ReportQueue, t.Encode()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func reportDate(q url.Values, key, def string) (string, error) {
	v := q.Get(key)
	if v == "" {
		if def == "" {
			return "", errors.Newf("%s is required", key)
		}
		return def, nil
	}
	if _, err := time.Parse(task.DateLayout, v); err != nil {
		return "", errors.Newf("%s must be DD.MM.YY", key)
	}
	return v, nil
}

type saveEntryReq struct {
	Channel   string          `json:"channel"`
	ChannelID int64           `json:"channel_id"`
	Date      string          `json:"date"`
	Entry     json.RawMessage `json:"entry"`
}

func (s *server) saveEntry(w http.ResponseWriter, r *http.Request) {
	var req saveEntryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channel, err := task.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Entry) == 0 {
		http.Error(w, "entry is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	u, err := s.journal.UpsertUser(ctx, channel, req.ChannelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.journal.SaveEntry(ctx, u.ID, req.Date, req.Entry); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

type webhookReq struct {
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

func (s *server) subscribeWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channel, err := task.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}

	if err := s.store.SetWebhookURL(r.Context(), string(channel), req.URL); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (s *server) unsubscribeWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channel, err := task.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteWebhookURL(r.Context(), string(channel)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
