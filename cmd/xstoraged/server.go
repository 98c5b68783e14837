package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/loafoe/go-xstorage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type coordinator interface {
	snapshotSource
	RequestRefresh()
	LastError() error
}

type snapshotView struct {
	FetchedAt            time.Time                 `json:"fetched_at"`
	LastUpdateSuccessful bool                      `json:"last_update_successful"`
	LastError            string                    `json:"last_error,omitempty"`
	Device               xstorage.DeviceDescriptor `json:"device"`
	Sections             *xstorage.Snapshot        `json:"sections"`
	Unavailable          map[string]string         `json:"unavailable,omitempty"`
}

func newSnapshotView(coord coordinator) snapshotView {
	snapshot := coord.Snapshot()
	view := snapshotView{
		FetchedAt:            snapshot.FetchedAt(),
		LastUpdateSuccessful: coord.LastUpdateSuccessful(),
		Device:               coord.DeviceDescriptor(),
		Sections:             snapshot,
	}
	if err := coord.LastError(); err != nil {
		view.LastError = err.Error()
	}
	for _, section := range xstorage.Sections {
		if err := snapshot.Err(section); err != nil {
			if view.Unavailable == nil {
				view.Unavailable = map[string]string{}
			}
			view.Unavailable[string(section)] = err.Error()
		}
	}
	return view
}

func newHandler(coord coordinator, registry *prometheus.Registry, log logr.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !coord.LastUpdateSuccessful() {
			http.Error(w, "last update failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newSnapshotView(coord)); err != nil {
			log.Error(err, "Failed to encode snapshot")
		}
	})

	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		coord.RequestRefresh()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}
