package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/intake"
	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

var servePort int

const maxUploadBytes = 32 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP intake API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIntake(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		uploadDir, err := os.MkdirTemp("", "bookkeeper-uploads-")
		if err != nil {
			return eris.Wrap(err, "create upload dir")
		}
		defer os.RemoveAll(uploadDir)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Store, env.Ledger, uploadDir),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the intake API. Uploaded files land in uploadDir before
// the ledger stashes its own copy under managed storage.
func newRouter(st store.Store, ledger *intake.Ledger, uploadDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/documents", func(w http.ResponseWriter, req *http.Request) {
		handleUpload(w, req, ledger, uploadDir)
	})

	r.Get("/api/documents/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, err := st.GetIntake(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
				return
			}
			zap.L().Error("get intake failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/api/review", func(w http.ResponseWriter, req *http.Request) {
		recs, err := st.ListReview(req.Context(), 100)
		if err != nil {
			zap.L().Error("list review failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
	})

	return r
}

func handleUpload(w http.ResponseWriter, req *http.Request, ledger *intake.Ledger, uploadDir string) {
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file field is required"})
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(uploadDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		zap.L().Error("create upload temp file", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		zap.L().Error("write upload", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	tmp.Close()

	doc, err := documentFromFile(tmp.Name(), originFromForm(req))
	if err != nil {
		zap.L().Error("build source document", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	doc.OriginalFilename = filepath.Base(header.Filename)
	doc.SourceIdentifier = doc.OriginalFilename
	// The temp path is unique per request; key re-uploads of the same
	// file on a stable location instead.
	doc.Location = "upload:" + doc.OriginalFilename
	if id := req.FormValue("source_identifier"); id != "" {
		doc.SourceIdentifier = id
	}
	if d := req.FormValue("source_date"); d != "" {
		parsed, err := model.ParseDate(d, nil)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unparsable source_date"})
			return
		}
		doc.SourceDate = parsed
	} else {
		doc.SourceDate = time.Now().UTC()
	}

	result, err := ledger.Submit(req.Context(), doc)
	if err != nil {
		zap.L().Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	switch result.Status {
	case intake.SubmitAccepted:
		writeJSON(w, http.StatusAccepted, result)
	case intake.SubmitDuplicate:
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSON(w, http.StatusBadRequest, result)
	}
}

func originFromForm(req *http.Request) model.SourceType {
	if o := req.FormValue("origin"); o != "" {
		return model.SourceType(o)
	}
	return model.SourceFileUpload
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
