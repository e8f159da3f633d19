// Package notify sends the transactional "preview ready" email through
// Amazon SES.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// ErrSendFailed is returned when SES rejects the message.
var ErrSendFailed = errors.New("notify: send failed")

const subject = "Your SmileLoop video preview is ready"

var htmlBody = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Your SmileLoop Preview</title></head>
<body style="margin:0;padding:32px 16px;background:#f5f5f5;font-family:Helvetica,Arial,sans-serif;color:#333">
<div style="max-width:540px;margin:0 auto;background:#fff;border-radius:8px;padding:28px 32px">
<h1 style="font-size:22px;text-align:center;margin:0 0 24px">SmileLoop</h1>
<p>Hi there,</p>
<p>Your video preview is ready to view. We animated your photo and created a short video clip.</p>
<p style="text-align:center;margin:24px 0">
<a href="{{.ViewLink}}" style="display:inline-block;background:#e8734a;color:#fff;text-decoration:none;font-weight:600;padding:12px 32px;border-radius:6px">View My Preview</a>
</p>
<p style="font-size:14px;color:#666">If you like the preview, you can get the full-resolution version without the watermark from the same page.</p>
<p style="font-size:12px;color:#999">This is a one-time transactional email for a video you requested. <a href="{{.UnsubscribeLink}}" style="color:#999">Unsubscribe</a></p>
</div>
</body>
</html>
`))

const textBody = `Hi there,

Your SmileLoop video preview is ready to view.

We animated your photo and created a short video clip. You can
watch the preview here:

  %s

If you like it, you can get the full-resolution version without
the watermark from the same page.

Thanks for using SmileLoop!

--
This is a one-time transactional email for a video you requested.
Unsubscribe: %s
`

// Sender is the subset of the SES v2 client used here.
type Sender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Compile-time check that the SES client satisfies Sender.
var _ Sender = (*sesv2.Client)(nil)

// SESConfig holds the SES settings.
type SESConfig struct {
	Region          string
	Endpoint        string // Optional: custom endpoint, used in tests
	AccessKeyID     string
	SecretAccessKey string
	FromAddress     string
	FromName        string
	AppURL          string
}

// SESNotifier emails uploaders when their preview is ready.
type SESNotifier struct {
	client Sender
	from   string
	appURL string
	logger *slog.Logger
}

// NewSESNotifier builds an SES v2 client from cfg.
func NewSESNotifier(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESNotifier, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*sesv2.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *sesv2.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewNotifier(sesv2.NewFromConfig(awsCfg, clientOpts...), cfg.FromAddress, cfg.FromName, cfg.AppURL, logger), nil
}

// NewNotifier wraps an existing Sender.
func NewNotifier(client Sender, fromAddress, fromName, appURL string, logger *slog.Logger) *SESNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	from := fromAddress
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromAddress)
	}
	return &SESNotifier{
		client: client,
		from:   from,
		appURL: strings.TrimRight(appURL, "/"),
		logger: logger,
	}
}

// ViewLink returns the page where the uploader watches the preview.
func (n *SESNotifier) ViewLink(jobID string) string {
	return n.appURL + "/?job_id=" + url.QueryEscape(jobID)
}

// PreviewReady sends the preview-ready email to email.
func (n *SESNotifier) PreviewReady(ctx context.Context, email, jobID string) error {
	view := n.ViewLink(jobID)
	unsubscribe := n.appURL + "/unsubscribe?email=" + url.QueryEscape(email)

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, struct{ ViewLink, UnsubscribeLink string }{view, unsubscribe}); err != nil {
		return fmt.Errorf("notify: render: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination:      &types.Destination{ToAddresses: []string{email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(fmt.Sprintf(textBody, view, unsubscribe)), Charset: aws.String("UTF-8")},
					Html: &types.Content{Data: aws.String(html.String()), Charset: aws.String("UTF-8")},
				},
				Headers: []types.MessageHeader{
					{Name: aws.String("List-Unsubscribe"), Value: aws.String("<" + unsubscribe + ">")},
				},
			},
		},
	}

	out, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	n.logger.Info("preview email sent",
		slog.String("job_id", jobID),
		slog.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// Nop discards notifications. Used when email is not configured.
type Nop struct{}

// PreviewReady does nothing.
func (Nop) PreviewReady(context.Context, string, string) error { return nil }
