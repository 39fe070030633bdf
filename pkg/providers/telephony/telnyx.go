package telephony

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/team-telnyx/telnyx-go/v4"
	"github.com/team-telnyx/telnyx-go/v4/option"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// Telnyx places calls through the Call Control API and verifies webhooks
// using Telnyx's Ed25519 signature scheme (TELNYX_PUBLIC_KEY). Named in the
// agentplexus-agentcall manifest alongside deepgram-go-sdk and openai-go as
// part of this pack's telephony domain stack.
type Telnyx struct {
	client       telnyx.Client
	connectionID string
	publicKey    ed25519.PublicKey // nil disables verification (spec: reject when a key IS configured; absent key elsewhere is a deploy-time choice)
}

// NewTelnyx builds a provider authenticated with apiKey, dialing through
// connectionID (the Call Control Application Telnyx routes the call
// through). publicKeyB64 is the base64-encoded Ed25519 key from the Telnyx
// portal; pass "" to skip webhook verification entirely.
func NewTelnyx(apiKey, connectionID, publicKeyB64 string) (*Telnyx, error) {
	t := &Telnyx{
		client:       telnyx.NewClient(option.WithAPIKey(apiKey)),
		connectionID: connectionID,
	}
	if publicKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("telephony: invalid telnyx public key: %w", err)
		}
		t.publicKey = ed25519.PublicKey(raw)
	}
	return t, nil
}

func (t *Telnyx) Name() string { return "telnyx" }

// PlaceCall dials through the Call Control API. Telnyx's flow is
// webhook-driven rather than instruction-fetch-driven: the carrier posts
// call events to statusCallbackURL. The dial request carries only the
// connection id, to, from and webhook URL; req.MediaWsURL is not sent, and
// nothing here points Telnyx at the call-instruction route or opens a media
// stream.
func (t *Telnyx) PlaceCall(ctx context.Context, req call.PlaceCallRequest) (string, error) {
	resp, err := t.client.Calls.Dial(ctx, telnyx.CallDialParams{
		ConnectionID: telnyx.String(t.connectionID),
		To:           telnyx.String(req.To),
		From:         telnyx.String(req.From),
		WebhookURL:   telnyx.String(req.StatusCallbackURL),
	})
	if err != nil {
		return "", fmt.Errorf("telephony: telnyx place call failed: %w", err)
	}
	if resp.Data.CallControlID == "" {
		return "", fmt.Errorf("telephony: telnyx returned no call control id")
	}
	return resp.Data.CallControlID, nil
}

func (t *Telnyx) Hangup(ctx context.Context, carrierCallRef string) error {
	_, err := t.client.Calls.Actions.Hangup(ctx, carrierCallRef, telnyx.CallActionHangupParams{})
	if err != nil {
		return fmt.Errorf("telephony: telnyx hangup failed: %w", err)
	}
	return nil
}

// VerifyWebhook checks the Ed25519 signature Telnyx attaches as
// telnyx-signature-ed25519, over "timestamp|body" where timestamp comes
// from the telnyx-timestamp header. Passes through unchecked when no
// public key is configured; otherwise rejects whenever the signature is
// absent or invalid.
func (t *Telnyx) VerifyWebhook(headers http.Header, rawBody []byte) bool {
	if t.publicKey == nil {
		// TELNYX_PUBLIC_KEY is optional (spec §6); with none configured there
		// is nothing to verify against, so webhooks pass through unchecked.
		return true
	}
	sigB64 := headers.Get("telnyx-signature-ed25519")
	timestamp := headers.Get("telnyx-timestamp")
	if sigB64 == "" || timestamp == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	signedPayload := append([]byte(timestamp+"|"), rawBody...)
	return ed25519.Verify(t.publicKey, signedPayload, sig)
}

// RenderCallInstruction returns the TeXML document directing Telnyx to
// open a bidirectional 8kHz mu-law media stream to mediaWsURL. Telnyx's
// TeXML is deliberately TwiML-compatible for exactly this tag set.
func (t *Telnyx) RenderCallInstruction(mediaWsURL string) (string, []byte) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response><Connect><Stream url="%s"/></Connect></Response>`, mediaWsURL)
	return "text/xml", []byte(body)
}
