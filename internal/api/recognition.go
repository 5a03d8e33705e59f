package api

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ihdrs/digitserver/internal/datastore"
	"github.com/ihdrs/digitserver/internal/preprocess"
	"github.com/ihdrs/digitserver/internal/registry"
)

type recognizeRequest struct {
	Image   string `json:"image"`
	ModelID int    `json:"model_id"`
}

// recognitionData is the payload re-serialized to the frontend verbatim.
type recognitionData struct {
	Result         int       `json:"result"`
	Confidence     float32   `json:"confidence"`
	ProcessingTime int64     `json:"processing_time"`
	Probabilities  []float32 `json:"all_probabilities"`
	ModelID        int       `json:"model_id"`
	InputType      string    `json:"input_type"`
}

// validateRecognizeRequest mirrors the original request validator: the image
// field is required, must be non-empty and must look like base64.
func validateRecognizeRequest(req *recognizeRequest) string {
	if req.Image == "" {
		return "missing required image field"
	}
	if len(req.Image)%4 != 0 {
		return "invalid base64 image data"
	}
	if req.ModelID < 0 {
		return "model_id must be a non-negative integer"
	}
	return ""
}

// handleRecognize serves single-digit recognition from a base64 JSON body.
func (c *Controller) handleRecognize(ctx echo.Context) error {
	var req recognizeRequest
	if err := ctx.Bind(&req); err != nil {
		return fail(ctx, http.StatusBadRequest, "request body must be a JSON object")
	}
	if msg := validateRecognizeRequest(&req); msg != "" {
		return fail(ctx, http.StatusBadRequest, msg)
	}

	imageBytes, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return fail(ctx, http.StatusBadRequest, "malformed base64 image data")
	}

	return c.recognizeBytes(ctx, imageBytes, req.ModelID)
}

// handleRecognizeImage serves recognition from a multipart file upload,
// field name "image".
func (c *Controller) handleRecognizeImage(ctx echo.Context) error {
	fileHeader, err := ctx.FormFile("image")
	if err != nil {
		return fail(ctx, http.StatusBadRequest, "no image file provided; use 'image' as the form field name")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return fail(ctx, http.StatusBadRequest, "unreadable image upload")
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(io.LimitReader(file, int64(c.opts.MaxImageSize)+1))
	if err != nil {
		return fail(ctx, http.StatusBadRequest, "unreadable image upload")
	}

	c.saveUpload(fileHeader.Filename, imageBytes)
	return c.recognizeBytes(ctx, imageBytes, 0)
}

// saveUpload keeps a copy of an accepted upload in the uploads directory,
// prefixed with a fresh id so identical file names never collide. Failures
// are logged; the recognition itself is unaffected.
func (c *Controller) saveUpload(filename string, imageBytes []byte) {
	if c.opts.UploadDir == "" {
		return
	}
	name := uuid.NewString() + "_" + filepath.Base(filename)
	if err := os.WriteFile(filepath.Join(c.opts.UploadDir, name), imageBytes, 0o644); err != nil {
		c.log.Warn("persisting upload failed", "name", name, "error", err)
	}
}

// recognizeBytes is the shared preprocess-and-predict path.
func (c *Controller) recognizeBytes(ctx echo.Context, imageBytes []byte, modelID int) error {
	start := time.Now()

	if !preprocess.Validate(imageBytes, c.opts.MaxImageSize) {
		c.countRecognition("rejected")
		return fail(ctx, http.StatusBadRequest, "invalid image: wrong size or undecodable header")
	}

	cacheKey := fmt.Sprintf("%x:%d", sha256.Sum256(imageBytes), modelID)
	if c.results != nil {
		if cached, found := c.results.Get(cacheKey); found {
			c.countRecognition("cache_hit")
			return ok(ctx, cached.(recognitionData))
		}
	}

	t, err := preprocess.Preprocess(imageBytes)
	if err != nil {
		c.countRecognition("decode_error")
		c.log.Warn("image preprocessing failed", "error", err)
		return fail(ctx, http.StatusBadRequest, "image processing failed")
	}

	result, err := c.opts.Recognizer.Predict(t, modelID)
	if err != nil {
		return c.predictionError(ctx, err)
	}

	elapsed := time.Since(start)
	data := recognitionData{
		Result:         result.Digit,
		Confidence:     result.Confidence,
		ProcessingTime: elapsed.Milliseconds(),
		Probabilities:  result.Probabilities,
		ModelID:        result.ModelID,
		InputType:      string(result.InputType),
	}

	c.countRecognition("success")
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecognitionDuration.Observe(elapsed.Seconds())
	}
	c.saveRecognition(result, elapsed)
	if c.results != nil {
		c.results.SetDefault(cacheKey, data)
	}

	c.log.Info("recognition complete",
		"digit", result.Digit, "confidence", result.Confidence,
		"model_id", result.ModelID, "elapsed_ms", elapsed.Milliseconds())
	return ok(ctx, data)
}

// handleRecognizeSegments recognizes every digit in a multi-digit image,
// left to right.
func (c *Controller) handleRecognizeSegments(ctx echo.Context) error {
	var req recognizeRequest
	if err := ctx.Bind(&req); err != nil {
		return fail(ctx, http.StatusBadRequest, "request body must be a JSON object")
	}
	if msg := validateRecognizeRequest(&req); msg != "" {
		return fail(ctx, http.StatusBadRequest, msg)
	}

	imageBytes, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return fail(ctx, http.StatusBadRequest, "malformed base64 image data")
	}
	if !preprocess.Validate(imageBytes, c.opts.MaxImageSize) {
		return fail(ctx, http.StatusBadRequest, "invalid image: wrong size or undecodable header")
	}

	start := time.Now()
	digits := preprocess.Segment(imageBytes)
	results := make([]recognitionData, 0, len(digits))
	for _, t := range digits {
		result, err := c.opts.Recognizer.Predict(t, req.ModelID)
		if err != nil {
			return c.predictionError(ctx, err)
		}
		results = append(results, recognitionData{
			Result:        result.Digit,
			Confidence:    result.Confidence,
			Probabilities: result.Probabilities,
			ModelID:       result.ModelID,
			InputType:     string(result.InputType),
		})
	}

	return ok(ctx, map[string]any{
		"digits":          results,
		"count":           len(results),
		"processing_time": time.Since(start).Milliseconds(),
	})
}

// handleRecentRecognitions lists the latest persisted recognitions.
func (c *Controller) handleRecentRecognitions(ctx echo.Context) error {
	if c.opts.DS == nil {
		return fail(ctx, http.StatusServiceUnavailable, "recognition history is not enabled")
	}
	limit := 20
	if err := echo.QueryParamsBinder(ctx).Int("limit", &limit).BindError(); err != nil || limit <= 0 || limit > 500 {
		return fail(ctx, http.StatusBadRequest, "limit must be an integer between 1 and 500")
	}
	records, err := c.opts.DS.RecentRecognitions(limit)
	if err != nil {
		c.log.Error("listing recognitions failed", "error", err)
		return fail(ctx, http.StatusInternalServerError, "failed to load recognition history")
	}
	return ok(ctx, map[string]any{"records": records, "count": len(records)})
}

// predictionError maps registry failures onto distinct HTTP responses so
// callers can tell "no model" from "bad input".
func (c *Controller) predictionError(ctx echo.Context, err error) error {
	switch {
	case errors.Is(err, registry.ErrModelUnavailable):
		c.countRecognition("model_unavailable")
		c.log.Warn("prediction skipped, model unavailable", "error", err)
		return fail(ctx, http.StatusServiceUnavailable, "no model available for prediction")
	case errors.Is(err, registry.ErrShapeMismatch):
		c.countRecognition("shape_mismatch")
		c.log.Error("prediction failed on shape mismatch", "error", err)
		return fail(ctx, http.StatusInternalServerError, "model input shape mismatch")
	default:
		c.countRecognition("error")
		c.log.Error("prediction failed", "error", err)
		return fail(ctx, http.StatusInternalServerError, "model prediction failed")
	}
}

func (c *Controller) countRecognition(status string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecognitionsTotal.WithLabelValues(status).Inc()
	}
}

func (c *Controller) saveRecognition(result *registry.Result, elapsed time.Duration) {
	if c.opts.DS == nil {
		return
	}
	rec := &datastore.RecognitionRecord{
		Digit:        result.Digit,
		Confidence:   float64(result.Confidence),
		ModelID:      result.ModelID,
		InputType:    string(result.InputType),
		ProcessingMs: elapsed.Milliseconds(),
	}
	if err := c.opts.DS.SaveRecognition(rec); err != nil {
		c.log.Error("persisting recognition failed", "error", err)
	}
}
