// Package phone runs the phone-screen variant of the interview: outbound
// dialing through Twilio, signature-validated webhooks, TwiML responses, and
// call recording archived to storage.
package phone

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	dialMaxAttempts = 3
	dialBackoff     = 2 * time.Second
)

// callCreator is the slice of the Twilio API the dialer needs.
type callCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Dialer places outbound interview calls. Transient failures get a bounded
// retry with fixed backoff; exhausting the attempts is returned to the
// caller.
type Dialer struct {
	api         callCreator
	fromNumber  string
	maxAttempts int
	backoff     time.Duration
}

// NewDialer builds a dialer on the Twilio REST client.
func NewDialer(accountSID, authToken, fromNumber string) *Dialer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Dialer{
		api:         client.Api,
		fromNumber:  fromNumber,
		maxAttempts: dialMaxAttempts,
		backoff:     dialBackoff,
	}
}

// Dial places a call to the candidate and points Twilio at the voice
// webhook. Returns the call SID on success.
func (d *Dialer) Dial(ctx context.Context, toNumber, voiceWebhookURL string) (string, error) {
	if d.fromNumber == "" {
		return "", fmt.Errorf("missing TWILIO_FROM_NUMBER")
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(toNumber)
	params.SetFrom(d.fromNumber)
	params.SetUrl(voiceWebhookURL)
	params.SetMethod("POST")

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		call, err := d.api.CreateCall(params)
		if err == nil {
			sid := ""
			if call != nil && call.Sid != nil {
				sid = *call.Sid
			}
			log.Printf("outbound call placed: to=%s sid=%s attempt=%d", toNumber, sid, attempt)
			return sid, nil
		}
		lastErr = err
		log.Printf("outbound call attempt %d/%d failed: %v", attempt, d.maxAttempts, err)
		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.backoff):
		}
	}
	return "", fmt.Errorf("dial %s failed after %d attempts: %w", toNumber, d.maxAttempts, lastErr)
}
