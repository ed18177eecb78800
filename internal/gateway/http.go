package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/nutrition"
)

const maxUploadBytes = 10 << 20

// Analyzer runs a one-shot plate analysis.
type Analyzer interface {
	AnalyzeOnce(ctx context.Context, data []byte, mimeType string) (nutrition.FullAnalysis, error)
}

// NewHTTPHandler serves /healthz and the /ai/analyze test endpoint.
func NewHTTPHandler(a Analyzer, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/ai/analyze", analyzeHandler(a, log))
	return mux
}

func analyzeHandler(a Analyzer, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "expected multipart form with an image field")
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing image field")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil || len(data) == 0 {
			writeError(w, http.StatusBadRequest, "empty image")
			return
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}

		fa, err := a.AnalyzeOnce(r.Context(), data, mimeType)
		if err != nil {
			log.Warn().Err(err).Msg("analyze request failed")
			writeError(w, http.StatusBadGateway, "analysis failed")
			return
		}
		if fa.Items == nil {
			fa.Items = []nutrition.EnrichedFoodItem{}
		}
		writeJSON(w, http.StatusOK, fa)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
