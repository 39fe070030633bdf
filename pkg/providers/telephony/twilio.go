// Package telephony implements call.TelephonyProvider for the two carriers
// spec.md §4.5 names: Twilio and Telnyx. Both variants place/hang up calls,
// verify webhook signatures, and render the instruction document the
// carrier fetches on pickup — the same contract, different credentials and
// signature schemes.
package telephony

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// Twilio places calls through the Voice REST API and verifies webhooks
// using Twilio's HMAC-SHA1 X-Twilio-Signature scheme. Grounded on the
// twiliov2010 REST types the pack's beluga-ai Twilio transport imports
// (other_examples/..._lookatitude-beluga-ai__pkg-voice-providers-twilio-streaming.go.go).
type Twilio struct {
	client    *twilio.RestClient
	validator twilioClient.RequestValidator
}

// NewTwilio builds a provider authenticated with accountSID/authToken.
func NewTwilio(accountSID, authToken string) *Twilio {
	return &Twilio{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		validator: twilioClient.NewRequestValidator(authToken),
	}
}

func (t *Twilio) Name() string { return "twilio" }

// PlaceCall dials out, pointing Twilio at the call-instruction document
// (which TwiML-redirects into the media stream via RenderCallInstruction)
// and at statusCallbackURL for ringing/answered/hangup events.
func (t *Twilio) PlaceCall(ctx context.Context, req call.PlaceCallRequest) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(instructionURLFromMediaWsURL(req.MediaWsURL))
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: twilio place call failed: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("telephony: twilio returned no call sid")
	}
	return *resp.Sid, nil
}

func (t *Twilio) Hangup(ctx context.Context, carrierCallRef string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := t.client.Api.UpdateCall(carrierCallRef, params)
	if err != nil {
		return fmt.Errorf("telephony: twilio hangup failed: %w", err)
	}
	return nil
}

// VerifyWebhook checks X-Twilio-Signature over the request's full URL and
// form-encoded body per Twilio's signing scheme. The router is expected to
// set an X-Webhook-Url header carrying the request's externally-visible
// absolute URL (the PUBLIC_URL-rooted URL Twilio actually signed against).
func (t *Twilio) VerifyWebhook(headers http.Header, rawBody []byte) bool {
	sig := headers.Get("X-Twilio-Signature")
	fullURL := headers.Get("X-Webhook-Url")
	if sig == "" || fullURL == "" {
		return false
	}
	params := parseFormBody(rawBody)
	return t.validator.Validate(fullURL, params, sig)
}

// RenderCallInstruction returns the TwiML directing Twilio to open a
// bidirectional 8kHz mu-law media stream to mediaWsURL.
func (t *Twilio) RenderCallInstruction(mediaWsURL string) (string, []byte) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response><Connect><Stream url="%s"/></Connect></Response>`, mediaWsURL)
	return "text/xml", []byte(body)
}

// instructionURLFromMediaWsURL derives the call-instruction document's
// public HTTP(S) URL from the media WebSocket URL the Manager constructed,
// by swapping scheme and path: wss://host/media-stream?callId=X becomes
// https://host/call-instruction?callId=X.
func instructionURLFromMediaWsURL(mediaWsURL string) string {
	u, err := url.Parse(mediaWsURL)
	if err != nil {
		return mediaWsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/call-instruction"
	return u.String()
}

func parseFormBody(raw []byte) map[string]string {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
