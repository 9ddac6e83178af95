//go:build e2e

package e2e

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// signPayload produces a Stripe-Signature header value using the processor's
// v1 scheme: HMAC-SHA256 over "<timestamp>.<payload>" keyed by the endpoint
// signing secret. The local stub verifier accepts any non-empty header, but
// deliveries are signed for real so the suite also holds against a stack
// running live verification.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := webhook.ComputeSignature(ts, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac))
}
