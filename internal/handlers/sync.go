package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	slackintegration "chatarchive/internal/integrations/slack"
	"chatarchive/internal/jobs"
	"chatarchive/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// SyncTrigger starts a background workspace sync and reports on it.
type SyncTrigger interface {
	Trigger(trigger string) error
	Status() (running bool, lastRun time.Time, lastErr error)
}

// ChannelImporter imports the history of one channel.
type ChannelImporter interface {
	ImportChannelHistory(ctx context.Context, channel storage.Channel, cred slackintegration.Credential) error
}

type SyncHandler struct {
	trigger  SyncTrigger
	importer ChannelImporter
	store    storage.Store
	cred     slackintegration.Credential
	timeout  time.Duration

	// imports run detached from the request; tests wait on done.
	done chan struct{}
}

type SyncResponse struct {
	Status    string `json:"status"`
	ChannelID string `json:"channel_id,omitempty"`
}

type SyncStatusResponse struct {
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func NewSyncHandler(trigger SyncTrigger, importer ChannelImporter, store storage.Store, cred slackintegration.Credential, timeout time.Duration) *SyncHandler {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &SyncHandler{
		trigger:  trigger,
		importer: importer,
		store:    store,
		cred:     cred,
		timeout:  timeout,
	}
}

// HandleSync starts a full workspace sync.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	err := h.trigger.Trigger("api")
	if errors.Is(err, jobs.ErrSyncInProgress) {
		writeJSONResponse(w, http.StatusConflict, SyncResponse{Status: "already_running"})
		return
	}
	if err != nil {
		slog.Error("Failed to start workspace sync", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, SyncResponse{Status: "started"})
}

// HandleSyncStatus reports whether a sync is running and how the last one ended.
func (h *SyncHandler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	running, lastRun, lastErr := h.trigger.Status()

	resp := SyncStatusResponse{Running: running}
	if !lastRun.IsZero() {
		resp.LastRun = &lastRun
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// HandleChannelSync imports the history of one known channel, addressed by
// its local id.
func (h *SyncHandler) HandleChannelSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["channelID"])
	if err != nil {
		http.Error(w, "Invalid channel id", http.StatusBadRequest)
		return
	}

	channel, err := h.store.GetChannel(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load channel", "channel_id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if channel == nil {
		http.Error(w, "Channel not found", http.StatusNotFound)
		return
	}

	go func() {
		if h.done != nil {
			defer func() { h.done <- struct{}{} }()
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		if err := h.importer.ImportChannelHistory(ctx, *channel, h.cred); err != nil {
			slog.Error("Channel import failed", "channel_id", channel.RemoteChannelID, "error", err)
			return
		}
		slog.Info("Channel import finished", "channel_id", channel.RemoteChannelID)
	}()

	writeJSONResponse(w, http.StatusAccepted, SyncResponse{Status: "started", ChannelID: channel.ID.String()})
}

func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}
