package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"subledger/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESClient.
// Extracted for testability so tests can provide a capture mock.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	// FromAddress is the sender address for all outbound mail.
	FromAddress string
	// FromName is the display name prepended to FromAddress. Optional.
	FromName string
	// ConfigurationSet routes SES delivery events. Optional; empty uses
	// the account default.
	ConfigurationSet string
	// Logger for send operations.
	Logger *slog.Logger
}

// SESClient implements types.EmailSender using AWS SES v2. Authentication
// rides on the ambient IAM role, and the AWS SDK brings its own retry
// behavior, so SES calls do not go through BaseClient.
type SESClient struct {
	api       SESAPI
	from      string
	configSet string
	logger    *slog.Logger
}

// NewSESClient creates a new SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return newSESClient(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient with a pre-configured SESAPI.
// Useful for testing with a mock SES interface.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	return newSESClient(api, cfg)
}

func newSESClient(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}

	return &SESClient{
		api:       api,
		from:      from,
		configSet: cfg.ConfigurationSet,
		logger:    logger,
	}
}

// Send transmits a plain-text email via SES v2 SendEmail and returns the
// provider message ID. The content arrives fully rendered; SES templates are
// not used.
//
// Error mapping:
//   - MessageRejected → ErrCodeUpstreamEmail
//   - TooManyRequestsException → ErrCodeUpstreamRateLimited
//   - SendingPausedException → ErrCodeUpstreamUnavailable
//   - Other → ErrCodeUpstreamEmail
func (s *SESClient) Send(ctx context.Context, to []string, subject, textBody string) (string, error) {
	if len(to) == 0 {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			"email has no recipients",
			nil,
		)
	}

	emailInput := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &sestypes.Destination{
			ToAddresses: to,
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{
					Text: &sestypes.Content{
						Data:    aws.String(textBody),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	if s.configSet != "" {
		emailInput.ConfigurationSetName = aws.String(s.configSet)
	}

	result, err := s.api.SendEmail(ctx, emailInput)
	if err != nil {
		return "", mapSESError(err)
	}

	msgID := ""
	if result.MessageId != nil {
		msgID = *result.MessageId
	}

	s.logger.InfoContext(ctx, "email sent",
		"recipients", len(to),
		"message_id", msgID,
	)

	return msgID, nil
}

// mapSESError translates AWS SES errors into domain AppErrors.
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(
			types.ErrCodeUpstreamEmail,
			fmt.Sprintf("SES rejected message: %v", err),
			err,
		)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("SES rate limit exceeded: %v", err),
			err,
		)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("SES account sending paused: %v", err),
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamEmail,
		fmt.Sprintf("SES error: %v", err),
		err,
	)
}

// Compile-time assertion that SESClient satisfies types.EmailSender.
var _ types.EmailSender = (*SESClient)(nil)
