package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/smileloop-api/internal/job"
	"github.com/maauso/smileloop-api/internal/job/id"
	"github.com/maauso/smileloop-api/internal/payment"
	"github.com/maauso/smileloop-api/internal/preset"
	"github.com/maauso/smileloop-api/internal/queue"
	"github.com/maauso/smileloop-api/internal/ratelimit"
	"github.com/maauso/smileloop-api/internal/turnstile"
)

const (
	// DefaultMaxUploadBytes is the largest accepted portrait.
	DefaultMaxUploadBytes int64 = 10 << 20
	// multipartOverhead leaves room for the form fields around the image.
	multipartOverhead int64 = 1 << 20
	// maxWebhookBytes bounds webhook payloads.
	maxWebhookBytes int64 = 1 << 16
	maxUserAgentLen       = 500
	signatureHeader       = "Stripe-Signature"
)

// JobService is the job-side API used by the handlers.
type JobService interface {
	CreateJob(ctx context.Context, input job.CreateJobInput) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	FailJob(ctx context.Context, id, msg string) error
	OpenPreview(ctx context.Context, id string) (*job.Job, *job.Artifact, error)
	OpenFull(ctx context.Context, id string) (*job.Job, *job.Artifact, error)
	OpenDownload(ctx context.Context, id string) (*job.Job, *job.Artifact, error)
}

// Enqueuer schedules generation for a job.
type Enqueuer interface {
	Submit(jobID string) (*queue.Ticket, error)
}

// Payments is the checkout API used by the handlers.
type Payments interface {
	Configured() bool
	CreateCheckout(ctx context.Context, jobID string) (*payment.CheckoutResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	Verify(ctx context.Context, jobID string) (*payment.VerifyResult, error)
}

// Presets lists and resolves motion presets.
type Presets interface {
	Names() []string
	Lookup(name string) (preset.Preset, error)
}

// Limiter enforces upload quotas. Check reports ratelimit.ErrIPLimited or
// ratelimit.ErrEmailLimited for exhausted quotas; other errors mean the
// counters could not be read.
type Limiter interface {
	Check(ctx context.Context, ip, email string) error
	Record(ctx context.Context, ip, email string) error
}

// BotVerifier checks anti-bot tokens.
type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// PublicConfig is the client-visible configuration served by /api/config.
type PublicConfig struct {
	StripePublishableKey string
	PriceCents           int64
	Currency             string
	TurnstileSiteKey     string
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	jobs           JobService
	queue          Enqueuer
	payments       Payments
	presets        Presets
	limiter        Limiter
	bots           BotVerifier
	trusted        []netip.Prefix
	backend        string
	public         PublicConfig
	maxUploadBytes int64
	validator      *validator.Validate
	logger         *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithLimiter enables upload rate limiting.
func WithLimiter(l Limiter) HandlerOption {
	return func(h *Handlers) {
		h.limiter = l
	}
}

// WithBotVerifier enables anti-bot token checks on upload.
func WithBotVerifier(v BotVerifier) HandlerOption {
	return func(h *Handlers) {
		h.bots = v
	}
}

// WithTrustedProxies sets the peers whose X-Forwarded-For header is used
// to find the client address.
func WithTrustedProxies(prefixes []netip.Prefix) HandlerOption {
	return func(h *Handlers) {
		h.trusted = prefixes
	}
}

// WithMaxUploadBytes sets the largest accepted image.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithPublicConfig sets the values served by /api/config.
func WithPublicConfig(c PublicConfig) HandlerOption {
	return func(h *Handlers) {
		h.public = c
	}
}

// WithBackendName sets the backend reported by /api/health.
func WithBackendName(name string) HandlerOption {
	return func(h *Handlers) {
		h.backend = name
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(jobs JobService, q Enqueuer, payments Payments, presets Presets, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		jobs:           jobs,
		queue:          q,
		payments:       payments,
		presets:        presets,
		maxUploadBytes: DefaultMaxUploadBytes,
		public:         PublicConfig{PriceCents: 499, Currency: "usd"},
		validator:      validator.New(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /api/health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Backend:          h.backend,
		StripeConfigured: h.payments.Configured(),
	})
}

// Config handles GET /api/config requests.
func (h *Handlers) Config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ConfigResponse{
		StripePublishableKey: h.public.StripePublishableKey,
		PriceCents:           h.public.PriceCents,
		PriceDisplay:         priceDisplay(h.public.PriceCents, h.public.Currency),
		Currency:             h.public.Currency,
		TurnstileSiteKey:     h.public.TurnstileSiteKey,
	})
}

// Presets handles GET /api/presets requests.
func (h *Handlers) Presets(w http.ResponseWriter, _ *http.Request) {
	names := h.presets.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, PresetsResponse{Presets: names})
}

// Generate handles POST /api/generate requests. The upload is validated
// completely before a job is created.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxUploadBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image is too large", "FILE_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", "INVALID_FORM")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	if email == "" {
		writeError(w, http.StatusUnprocessableEntity, "email is required", "EMAIL_REQUIRED")
		return
	}
	if err := h.validator.Var(email, "email,max=254"); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "email is invalid", "EMAIL_INVALID")
		return
	}

	ip := clientIP(r, h.trusted)
	if h.bots != nil {
		if err := h.bots.Verify(r.Context(), r.FormValue("cf_turnstile_token"), ip); err != nil {
			h.logger.Warn("bot verification failed",
				slog.String("client_ip", ip),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, turnstile.ErrRequestFailed) {
				writeError(w, http.StatusServiceUnavailable, "bot verification unavailable", "BOT_CHECK_UNAVAILABLE")
				return
			}
			writeError(w, http.StatusForbidden, "bot verification failed", "BOT_CHECK_FAILED")
			return
		}
	}

	if h.limiter != nil {
		err := h.limiter.Check(r.Context(), ip, email)
		switch {
		case err == nil:
		case errors.Is(err, ratelimit.ErrIPLimited):
			writeError(w, http.StatusTooManyRequests, "too many uploads from this address, try again later", "RATE_LIMITED")
			return
		case errors.Is(err, ratelimit.ErrEmailLimited):
			writeError(w, http.StatusTooManyRequests, "too many uploads for this email, try again tomorrow", "RATE_LIMITED")
			return
		default:
			h.logger.Error("rate limit check failed",
				slog.String("client_ip", ip),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusServiceUnavailable, "upload limits are unavailable, try again shortly", "RATE_LIMIT_UNAVAILABLE")
			return
		}
	}

	image, status, code, msg := h.readImage(r)
	if status != 0 {
		writeError(w, status, msg, code)
		return
	}

	kind := mimetype.Detect(image)
	if !kind.Is("image/jpeg") && !kind.Is("image/png") {
		writeError(w, http.StatusUnsupportedMediaType, "image must be JPEG or PNG", "UNSUPPORTED_MEDIA_TYPE")
		return
	}

	presetName := strings.TrimSpace(r.FormValue("preset"))
	if presetName == "" {
		presetName = strings.TrimSpace(r.FormValue("animation_type"))
	}
	if _, err := h.presets.Lookup(presetName); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown preset %q", presetName), "UNKNOWN_PRESET")
		return
	}

	userAgent := r.UserAgent()
	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}

	created, err := h.jobs.CreateJob(r.Context(), job.CreateJobInput{
		Email:     email,
		Preset:    presetName,
		Image:     image,
		Ext:       strings.TrimPrefix(kind.Extension(), "."),
		ClientIP:  ip,
		UserAgent: userAgent,
	})
	if err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}
	if h.limiter != nil {
		if err := h.limiter.Record(r.Context(), ip, email); err != nil {
			h.logger.Warn("failed to record upload against limits",
				slog.String("job_id", created.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := h.queue.Submit(created.ID); err != nil {
		h.logger.Error("failed to enqueue job",
			slog.String("job_id", created.ID),
			slog.String("error", err.Error()),
		)
		if failErr := h.jobs.FailJob(context.WithoutCancel(r.Context()), created.ID, "server busy: "+err.Error()); failErr != nil {
			h.logger.Error("failed to mark unqueued job failed",
				slog.String("job_id", created.ID),
				slog.String("error", failErr.Error()),
			)
		}
		writeError(w, http.StatusServiceUnavailable, "server is busy, try again shortly", "QUEUE_FULL")
		return
	}

	h.logger.Info("job created",
		slog.String("job_id", created.ID),
		slog.String("preset", presetName),
		slog.Int("image_bytes", len(image)),
	)

	writeJSON(w, http.StatusAccepted, GenerateResponse{
		JobID:  created.ID,
		Status: string(created.Status),
	})
}

// readImage returns the uploaded image bytes, or a non-zero status with
// the error to report.
func (h *Handlers) readImage(r *http.Request) ([]byte, int, string, string) {
	file, header, err := r.FormFile("source_image")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		return nil, http.StatusBadRequest, "IMAGE_REQUIRED", "source_image is required"
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "image is too large"
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, "INVALID_FORM", "could not read image"
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, "EMPTY_FILE", "image is empty"
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "image is too large"
	}
	return data, 0, "", ""
}

// Status handles GET /api/status/{id} requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	found, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}

	resp := StatusResponse{
		JobID:  found.ID,
		Status: string(found.Status),
		Error:  found.Error,
	}
	if found.HasVideos() {
		resp.PreviewURL = previewURL(found.ID)
	}
	if found.Status == job.StatusPaid {
		resp.FullURL = downloadURL(found.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Preview handles GET /api/preview/{id} requests.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	_, artifact, err := h.jobs.OpenPreview(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	serveVideo(w, r, artifact, "inline")
}

// Download handles GET /api/download/{id} requests. HEAD requests get the
// same headers without counting a download.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodHead {
		_, artifact, err := h.jobs.OpenFull(r.Context(), jobID)
		if err != nil {
			h.writeJobError(w, jobID, err)
			return
		}
		serveVideo(w, r, artifact, "attachment")
		return
	}

	found, artifact, err := h.jobs.OpenDownload(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	h.logger.Info("full video downloaded",
		slog.String("job_id", jobID),
		slog.Int("downloads", found.DownloadCount),
	)
	serveVideo(w, r, artifact, "attachment")
}

// CreateCheckout handles POST /api/create-checkout requests.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "job_id is required", "VALIDATION_ERROR")
		return
	}
	if !id.Valid(req.JobID) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	result, err := h.payments.CreateCheckout(r.Context(), req.JobID)
	if err != nil {
		h.writeJobError(w, req.JobID, err)
		return
	}
	if result.AlreadyPaid {
		writeJSON(w, http.StatusOK, CheckoutResponse{AlreadyPaid: true, DownloadURL: downloadURL(req.JobID)})
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: result.CheckoutURL, SessionID: result.SessionID})
}

// Webhook handles POST /api/webhook requests from the payment provider.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large", "PAYLOAD_TOO_LARGE")
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader)); err != nil {
		switch {
		case errors.Is(err, payment.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "payments are not configured", "PAYMENTS_DISABLED")
		case errors.Is(err, payment.ErrInvalidSignature):
			h.logger.Warn("webhook rejected", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, "invalid signature", "INVALID_SIGNATURE")
		default:
			h.logger.Error("webhook processing failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "webhook processing failed", "WEBHOOK_FAILED")
		}
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// VerifyPayment handles POST /api/verify-payment/{id} requests.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	result, err := h.payments.Verify(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err)
		return
	}
	resp := VerifyResponse{Paid: result.Paid, Pending: result.Pending}
	if result.Paid {
		resp.DownloadURL = downloadURL(jobID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// pathJobID extracts and checks the {id} path value. Malformed IDs are
// reported as unknown jobs.
func (h *Handlers) pathJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return "", false
	}
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return "", false
	}
	return jobID, true
}

// writeJobError maps domain errors to HTTP responses.
func (h *Handlers) writeJobError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrNotReady):
		writeError(w, http.StatusConflict, "preview is not ready yet", "NOT_READY")
	case errors.Is(err, payment.ErrNotReadyForPayment):
		writeError(w, http.StatusConflict, "job cannot be paid for yet", "NOT_READY")
	case errors.Is(err, job.ErrNotPaid):
		writeError(w, http.StatusPaymentRequired, "payment required", "PAYMENT_REQUIRED")
	case errors.Is(err, job.ErrArtifactMissing):
		writeError(w, http.StatusGone, "video is no longer available", "VIDEO_GONE")
	case errors.Is(err, payment.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "payments are not configured", "PAYMENTS_DISABLED")
	default:
		h.logger.Error("request failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// serveVideo writes an opened artifact. Local files go through
// http.ServeContent for Range support.
func serveVideo(w http.ResponseWriter, r *http.Request, a *job.Artifact, disposition string) {
	defer func() { _ = a.Body.Close() }()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, a.Name))
	if a.Content != nil {
		http.ServeContent(w, r, a.Name, a.ModTime, a.Content)
		return
	}
	if a.Size >= 0 {
		w.Header().Set("Content-Length", fmt.Sprint(a.Size))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, a.Body); err != nil {
		slog.Warn("video stream interrupted", slog.String("file", a.Name), slog.String("error", err.Error()))
	}
}

func previewURL(jobID string) string  { return "/api/preview/" + jobID }
func downloadURL(jobID string) string { return "/api/download/" + jobID }

// priceDisplay formats cents for display, e.g. "$4.99" or "4.99 EUR".
func priceDisplay(cents int64, currency string) string {
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency == "" || strings.EqualFold(currency, "usd") {
		return "$" + amount
	}
	return amount + " " + strings.ToUpper(currency)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
