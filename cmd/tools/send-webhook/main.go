// Package main implements the send-webhook CLI tool for delivering signed
// synthetic processor events to a running ingress endpoint.
//
// This tool is intended for local development and operational debugging: it
// builds a minimal but routable event envelope for any supported event type,
// computes a valid Stripe-Signature header over the exact bytes it sends,
// and POSTs the delivery the same way the processor would.
//
// Usage:
//
//	go run ./cmd/tools/send-webhook --type=payment_intent.succeeded
//	go run ./cmd/tools/send-webhook --type=account.updated --endpoint=connect --account=acct_123
//	go run ./cmd/tools/send-webhook --dry-run --type=customer.subscription.created
//	go run ./cmd/tools/send-webhook --list
//
// The signing secret is read from STRIPE_WEBHOOK_SECRET (platform) or
// STRIPE_CONNECT_WEBHOOK_SECRET (connect) in the environment, with a .env
// file loaded via godotenv when present. In --dry-run mode the constructed
// JSON body is printed without sending.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"subledger/internal/types"
)

// validEvents is the exhaustive set of event types the pipeline routes.
// This is maintained in sync with the constants in internal/types/enums.go
// and the dispatch table in internal/webhooks/router.go.
var validEvents = map[types.WebhookEventType]string{
	types.EventAccountUpdated:      "Connected account capability flags changed",
	types.EventCapabilityUpdated:   "Single capability state changed on a connected account",
	types.EventAccountDeauthorized: "Connected account disconnected from the platform",
	types.EventSubscriptionCreated: "Organization subscription created",
	types.EventSubscriptionUpdated: "Organization subscription changed state or plan",
	types.EventSubscriptionDeleted: "Organization subscription canceled",
	types.EventPriceCreated:        "Plan added to the catalog",
	types.EventPriceUpdated:        "Plan attributes changed",
	types.EventPriceDeleted:        "Plan removed from the catalog",
	types.EventPaymentSucceeded:    "Payment intent settled successfully",
	types.EventPaymentFailed:       "Payment intent declined",
	types.EventPaymentCanceled:     "Payment intent canceled before settling",
	types.EventChargeRefunded:      "Charge partially or fully refunded",
	types.EventPayoutPaid:          "Payout settled to the connected account's bank",
	types.EventPayoutFailed:        "Payout could not settle",
}

func main() {
	typeFlag := flag.String("type", "", "Event type to deliver (e.g., payment_intent.succeeded)")
	endpointFlag := flag.String("endpoint", "platform", "Target endpoint: platform or connect")
	urlFlag := flag.String("url", "http://localhost:8080", "Base URL of the running API")
	orgFlag := flag.String("org", "org_local", "Organization id stamped into object metadata")
	accountFlag := flag.String("account", "", "Connected account id for connect deliveries (default acct_local001)")
	eventIDFlag := flag.String("event-id", "", "Event id to use (default: generated; reuse one to exercise dedup)")
	secretFlag := flag.String("secret", "", "Signing secret override (default: from environment)")
	listFlag := flag.Bool("list", false, "List all supported event types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON body without sending")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: send-webhook [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Deliver a signed synthetic processor event to a running ingress.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all supported event types.\n")
	}

	flag.Parse()

	if *listFlag {
		printSupportedEvents()
		return
	}

	if *typeFlag == "" {
		fmt.Fprintf(os.Stderr, "error: --type is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	eventType := types.ParseWebhookEventType(*typeFlag)
	if _, ok := validEvents[eventType]; !ok {
		fmt.Fprintf(os.Stderr, "error: unknown event type %q\n\n", *typeFlag)
		printSupportedEvents()
		os.Exit(1)
	}

	endpoint := *endpointFlag
	if endpoint != "platform" && endpoint != "connect" {
		fmt.Fprintf(os.Stderr, "error: --endpoint must be platform or connect, got %q\n", endpoint)
		os.Exit(1)
	}

	account := *accountFlag
	if account == "" && endpoint == "connect" {
		account = "acct_local001"
	}

	eventID := *eventIDFlag
	if eventID == "" {
		eventID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	body, err := buildEvent(eventType, eventID, account, *orgFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: building event body: %v\n", err)
		os.Exit(1)
	}

	if *dryRunFlag {
		printBody(body, eventType, endpoint)
		return
	}

	// Load .env file for local development (non-fatal if missing).
	_ = godotenv.Load()

	secret := *secretFlag
	if secret == "" {
		envVar := "STRIPE_WEBHOOK_SECRET"
		if endpoint == "connect" {
			envVar = "STRIPE_CONNECT_WEBHOOK_SECRET"
		}
		secret = os.Getenv(envVar)
		if secret == "" {
			fmt.Fprintf(os.Stderr, "error: no signing secret: set %s or pass --secret\n", envVar)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	status, respBody, err := deliver(ctx, *urlFlag, endpoint, body, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: delivery failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "delivered %s as %s: HTTP %d\n", eventType, eventID, status)
	fmt.Println(respBody)
	if status != http.StatusOK {
		os.Exit(1)
	}
}

// deliver signs the body and POSTs it to the endpoint's ingress path.
func deliver(ctx context.Context, baseURL, endpoint string, body []byte, secret string) (int, string, error) {
	path := "/webhooks"
	if endpoint == "connect" {
		path = "/webhooks/connect"
	}
	url := strings.TrimRight(baseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Stripe/1.0 (+https://stripe.com/docs/webhooks)")
	req.Header.Set("Stripe-Signature", signBody(body, secret, time.Now()))

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response: %w", err)
	}

	return resp.StatusCode, strings.TrimSpace(string(respBody)), nil
}

// signBody computes the processor's signature header over the exact bytes
// being sent: an HMAC-SHA256 of "<unix ts>.<body>" keyed by the endpoint
// secret, presented as "t=<ts>,v1=<hex mac>".
func signBody(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// buildEvent constructs a routable event envelope for the given type. The
// nested object carries the minimal field set the billing projections read,
// with the organization id stamped into metadata where a projection resolves
// ownership from it.
func buildEvent(eventType types.WebhookEventType, eventID, account, org string) ([]byte, error) {
	object, err := sampleObject(eventType, account, org)
	if err != nil {
		return nil, err
	}

	env := map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": "2025-03-31",
		"created":     time.Now().Unix(),
		"livemode":    false,
		"type":        string(eventType),
		"data":        map[string]any{"object": object},
	}
	if account != "" {
		env["account"] = account
	}

	return json.MarshalIndent(env, "", "  ")
}

// sampleObject builds the data.object stub for one event family.
func sampleObject(eventType types.WebhookEventType, account, org string) (map[string]any, error) {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	meta := map[string]any{"organization_id": org}

	acctID := account
	if acctID == "" {
		acctID = "acct_local001"
	}

	switch eventType {
	case types.EventAccountUpdated:
		return map[string]any{
			"id":                acctID,
			"object":            "account",
			"charges_enabled":   true,
			"payouts_enabled":   true,
			"details_submitted": true,
			"requirements":      map[string]any{"disabled_reason": ""},
			"metadata":          meta,
		}, nil

	case types.EventCapabilityUpdated:
		return map[string]any{
			"id":      "card_payments",
			"object":  "capability",
			"account": acctID,
			"status":  "active",
		}, nil

	case types.EventAccountDeauthorized:
		return map[string]any{
			"id":     "ca_" + suffix,
			"object": "application",
			"name":   "Subledger",
		}, nil

	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated, types.EventSubscriptionDeleted:
		status := "active"
		if eventType == types.EventSubscriptionDeleted {
			status = "canceled"
		}
		return map[string]any{
			"id":                 "sub_" + suffix,
			"object":             "subscription",
			"status":             status,
			"current_period_end": time.Now().Add(30 * 24 * time.Hour).Unix(),
			"items": map[string]any{
				"data": []any{
					map[string]any{
						"id": "si_" + suffix,
						"price": map[string]any{
							"id": "price_local_pro",
							"recurring": map[string]any{
								"interval":   "month",
								"usage_type": "licensed",
							},
						},
					},
					map[string]any{
						"id": "si_metered_" + suffix,
						"price": map[string]any{
							"id": "price_local_usage",
							"recurring": map[string]any{
								"interval":   "month",
								"usage_type": "metered",
							},
						},
					},
				},
			},
			"metadata": meta,
		}, nil

	case types.EventPriceCreated, types.EventPriceUpdated:
		return map[string]any{
			"id":          "price_" + suffix,
			"object":      "price",
			"product":     "prod_" + suffix,
			"nickname":    "Pro (monthly)",
			"unit_amount": 4900,
			"currency":    "usd",
			"active":      true,
			"recurring": map[string]any{
				"interval":   "month",
				"usage_type": "licensed",
			},
		}, nil

	case types.EventPriceDeleted:
		return map[string]any{
			"id":     "price_" + suffix,
			"object": "price",
			"active": false,
		}, nil

	case types.EventPaymentSucceeded:
		return map[string]any{
			"id":              "pi_" + suffix,
			"object":          "payment_intent",
			"amount":          4900,
			"amount_received": 4900,
			"currency":        "usd",
			"status":          "succeeded",
			"metadata":        meta,
		}, nil

	case types.EventPaymentFailed:
		return map[string]any{
			"id":       "pi_" + suffix,
			"object":   "payment_intent",
			"amount":   4900,
			"currency": "usd",
			"status":   "requires_payment_method",
			"last_payment_error": map[string]any{
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
			"metadata": meta,
		}, nil

	case types.EventPaymentCanceled:
		return map[string]any{
			"id":       "pi_" + suffix,
			"object":   "payment_intent",
			"amount":   4900,
			"currency": "usd",
			"status":   "canceled",
			"metadata": meta,
		}, nil

	case types.EventChargeRefunded:
		return map[string]any{
			"id":              "ch_" + suffix,
			"object":          "charge",
			"amount":          4900,
			"amount_refunded": 4900,
			"currency":        "usd",
			"payment_intent":  "pi_" + suffix,
			"metadata":        meta,
		}, nil

	case types.EventPayoutPaid:
		return map[string]any{
			"id":       "po_" + suffix,
			"object":   "payout",
			"amount":   125000,
			"currency": "usd",
			"status":   "paid",
			"metadata": meta,
		}, nil

	case types.EventPayoutFailed:
		return map[string]any{
			"id":              "po_" + suffix,
			"object":          "payout",
			"amount":          125000,
			"currency":        "usd",
			"status":          "failed",
			"failure_message": "The bank account could not be located.",
			"metadata":        meta,
		}, nil

	default:
		return nil, fmt.Errorf("no sample object for event type %q", eventType)
	}
}

// printSupportedEvents prints all supported event types and their
// descriptions to stderr, sorted alphabetically by type.
func printSupportedEvents() {
	fmt.Fprintf(os.Stderr, "Supported event types:\n\n")

	// Sort event types for stable output.
	events := make([]types.WebhookEventType, 0, len(validEvents))
	for e := range validEvents {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return string(events[i]) < string(events[j])
	})

	// Find the longest type name for alignment.
	maxLen := 0
	for _, e := range events {
		if len(string(e)) > maxLen {
			maxLen = len(string(e))
		}
	}

	for _, e := range events {
		fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxLen, string(e), validEvents[e])
	}
	fmt.Fprintln(os.Stderr)
}

// printBody writes the constructed JSON body to stdout for inspection or
// piping, plus a short description on stderr.
func printBody(body []byte, eventType types.WebhookEventType, endpoint string) {
	fmt.Println(string(body))

	if desc, ok := validEvents[eventType]; ok {
		fmt.Fprintf(os.Stderr, "\nType: %s\nDescription: %s\nEndpoint: %s\n", eventType, desc, endpoint)
	}
}
