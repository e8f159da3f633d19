package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/maauso/smileloop-api/internal/job"
)

// Jobs is the job-side API the payment flow needs. *job.Service implements it.
type Jobs interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (*job.Job, error)
	AttachCheckoutSession(ctx context.Context, id, sessionID string) (*job.Job, error)
	MarkPaid(ctx context.Context, id, paymentRef string) (*job.Job, bool, error)
}

// CheckoutResult is returned by CreateCheckout.
type CheckoutResult struct {
	CheckoutURL string
	SessionID   string
	AlreadyPaid bool
}

// VerifyResult is returned by Verify. Pending means the provider could not
// be asked; the webhook will settle the job later.
type VerifyResult struct {
	Paid    bool
	Pending bool
}

// Service runs the checkout flow on top of a Gateway.
type Service struct {
	gateway Gateway
	jobs    Jobs
	appURL  string
	logger  *slog.Logger
}

// NewService creates a payment Service. A nil gateway disables payments.
func NewService(gateway Gateway, jobs Jobs, appURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway: gateway,
		jobs:    jobs,
		appURL:  strings.TrimRight(appURL, "/"),
		logger:  logger,
	}
}

// Configured reports whether payments are enabled.
func (s *Service) Configured() bool {
	return s.gateway != nil
}

// CreateCheckout starts a checkout session for a preview_ready job and
// records the session on the job.
func (s *Service) CreateCheckout(ctx context.Context, jobID string) (*CheckoutResult, error) {
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}

	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case job.StatusPaid:
		return &CheckoutResult{AlreadyPaid: true}, nil
	case job.StatusPreviewReady:
	default:
		return nil, ErrNotReadyForPayment
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		JobID:      j.ID,
		Email:      j.Email,
		SuccessURL: s.returnURL(j.ID, "success"),
		CancelURL:  s.returnURL(j.ID, "cancelled"),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.jobs.AttachCheckoutSession(ctx, j.ID, session.ID); err != nil {
		if errors.Is(err, job.ErrNotReady) {
			return nil, ErrNotReadyForPayment
		}
		return nil, fmt.Errorf("payment: record session: %w", err)
	}

	s.logger.Info("checkout session created",
		slog.String("job_id", j.ID),
		slog.String("session_id", session.ID),
	)
	return &CheckoutResult{CheckoutURL: session.URL, SessionID: session.ID}, nil
}

func (s *Service) returnURL(jobID, outcome string) string {
	q := url.Values{"job_id": {jobID}, "payment": {outcome}}
	return s.appURL + "/?" + q.Encode()
}

// HandleWebhook verifies and applies a provider event. Events about jobs
// that cannot be marked paid are acknowledged and logged so the provider
// stops redelivering them.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.gateway == nil {
		return ErrNotConfigured
	}

	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}

	if ev.Type != EventCheckoutCompleted && ev.Type != EventAsyncPaymentSucceeded {
		s.logger.Debug("webhook ignored", slog.String("event_id", ev.ID), slog.String("type", ev.Type))
		return nil
	}
	if ev.Session == nil || !ev.Session.Paid {
		s.logger.Info("checkout not paid yet", slog.String("event_id", ev.ID))
		return nil
	}

	jobID := ev.Session.JobID
	if jobID == "" {
		j, err := s.jobs.FindByCheckoutSession(ctx, ev.Session.ID)
		if err != nil {
			return s.ackUnknown(ev, err)
		}
		jobID = j.ID
	}

	_, changed, err := s.jobs.MarkPaid(ctx, jobID, ev.Session.PaymentIntentID)
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrJobNotFound) {
			return s.ackUnknown(ev, err)
		}
		return err
	}
	s.logger.Info("payment confirmed by webhook",
		slog.String("job_id", jobID),
		slog.String("event_id", ev.ID),
		slog.Bool("changed", changed),
	)
	return nil
}

func (s *Service) ackUnknown(ev *Event, err error) error {
	if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrInvalidTransition) {
		s.logger.Warn("webhook for unpayable job acknowledged",
			slog.String("event_id", ev.ID),
			slog.String("session_id", ev.Session.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

// Verify asks the provider about the job's checkout session and marks the
// job paid when the session is paid.
func (s *Service) Verify(ctx context.Context, jobID string) (*VerifyResult, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == job.StatusPaid {
		return &VerifyResult{Paid: true}, nil
	}
	if s.gateway == nil || j.StripeSessionID == "" {
		return &VerifyResult{}, nil
	}

	session, err := s.gateway.GetCheckoutSession(ctx, j.StripeSessionID)
	if err != nil {
		s.logger.Warn("payment verification unavailable",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return &VerifyResult{Pending: true}, nil
	}
	if !session.Paid {
		return &VerifyResult{}, nil
	}

	if _, _, err := s.jobs.MarkPaid(ctx, j.ID, session.PaymentIntentID); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrJobNotFound) {
			s.logger.Warn("paid session for unpayable job",
				slog.String("job_id", j.ID),
				slog.String("session_id", j.StripeSessionID),
				slog.String("error", err.Error()),
			)
			return &VerifyResult{}, nil
		}
		return nil, err
	}
	s.logger.Info("payment confirmed by verification", slog.String("job_id", j.ID))
	return &VerifyResult{Paid: true}, nil
}
