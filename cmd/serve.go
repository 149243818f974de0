package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/store"
	"github.com/pcbuilder/gpumarket-cli/internal/views"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only catalog and market view API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return eris.Wrap(err, "server listen")
		}

		zap.L().Info("starting server", zap.Int("port", port))
		return runServer(ctx, &http.Server{Handler: newServeMux(st)}, ln)
	},
}

const shutdownTimeout = 10 * time.Second

// runServer serves on ln until ctx is cancelled, then drains in-flight
// requests before returning. The shutdown deadline runs on a fresh context
// since ctx is already done by then.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "server serve")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	<-errCh
	return nil
}

func newServeMux(st store.Store) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/chips", func(w http.ResponseWriter, r *http.Request) {
		chips, err := st.ListChips(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chips)
	})

	mux.HandleFunc("GET /api/chips/{chipID}", func(w http.ResponseWriter, r *http.Request) {
		chip, err := st.GetChip(r.Context(), r.PathValue("chipID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if chip == nil {
			http.Error(w, `{"error":"chip not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, chip)
	})

	mux.HandleFunc("GET /api/chips/{chipID}/variants", func(w http.ResponseWriter, r *http.Request) {
		variants, err := st.ListVariants(r.Context(), r.PathValue("chipID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, variants)
	})

	mux.HandleFunc("GET /api/variants/{variantID}", func(w http.ResponseWriter, r *http.Request) {
		variant, err := st.GetVariant(r.Context(), r.PathValue("variantID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if variant == nil {
			http.Error(w, `{"error":"variant not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, variant)
	})

	mux.HandleFunc("GET /api/prices/latest", func(w http.ResponseWriter, r *http.Request) {
		rows, err := st.MarketRows(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views.Latest(rows))
	})

	mux.HandleFunc("GET /api/metrics/value", func(w http.ResponseWriter, r *http.Request) {
		rows, err := st.MarketRows(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views.ValueMetrics(views.Latest(rows)))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("request failed", zap.Error(err))
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
