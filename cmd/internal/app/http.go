package app

import (
	"context"
	"net/http"
	"time"

	authapi "skykey/cmd/internal/auth/api"
	"skykey/cmd/internal/metrics"
	"skykey/cmd/internal/store"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	st store.Store,
	m *metrics.Metrics,
	auth *authapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			log.Info("readyz.store.not_ready", "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", m.Handler())

	auth.Register(mux)
}
