// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_vapi provisions calls against the Vapi REST API and opens
// the realtime WebSocket transport the call is carried on.
package internal_vapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/rapidaai/vapi-bridge/pkg/commons"
)

const (
	// DefaultBaseURL is the Vapi REST endpoint.
	DefaultBaseURL = "https://api.vapi.ai"

	provisionTimeout = 30 * time.Second
)

// ============================================================================
// Errors
// ============================================================================

// ProvisionErrorKind discriminates why call setup failed.
type ProvisionErrorKind string

const (
	ProvisionErrorTransport    ProvisionErrorKind = "transport"     // network / timeout
	ProvisionErrorStatus       ProvisionErrorKind = "status"        // non-2xx HTTP status
	ProvisionErrorMissingField ProvisionErrorKind = "missing_field" // response lacked the transport URL
)

// ProvisionError reports a failed call-provisioning attempt.
type ProvisionError struct {
	Kind    ProvisionErrorKind
	Status  int    // set for Kind == ProvisionErrorStatus
	Excerpt string // response excerpt for diagnostics
	Err     error  // underlying transport error, if any
}

func (e *ProvisionError) Error() string {
	switch e.Kind {
	case ProvisionErrorStatus:
		return fmt.Sprintf("vapi: call provisioning returned HTTP %d: %s", e.Status, e.Excerpt)
	case ProvisionErrorMissingField:
		return fmt.Sprintf("vapi: response missing transport.websocketCallUrl: %s", e.Excerpt)
	default:
		return fmt.Sprintf("vapi: call provisioning failed: %v", e.Err)
	}
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ============================================================================
// Request / response shapes
// ============================================================================

type createCallRequest struct {
	AssistantID string              `json:"assistantId"`
	Transport   createCallTransport `json:"transport"`
}

type createCallTransport struct {
	Provider    string          `json:"provider"`
	AudioFormat callAudioFormat `json:"audioFormat"`
}

type callAudioFormat struct {
	Format     string `json:"format"`
	Container  string `json:"container"`
	SampleRate int    `json:"sampleRate"`
}

type createCallResponse struct {
	ID        string `json:"id"`
	Transport struct {
		WebsocketCallURL string `json:"websocketCallUrl"`
	} `json:"transport"`
}

// Transport is the provisioned realtime leg of a call.
type Transport struct {
	WebsocketCallURL string
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the Vapi REST API with bearer authentication.
type Client struct {
	logger commons.Logger
	http   *resty.Client
	apiKey string
}

// NewClient builds a Vapi client. baseURL is overridable for tests; pass ""
// for the production endpoint.
func NewClient(logger commons.Logger, apiKey string, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(provisionTimeout).
		SetAuthToken(apiKey).
		SetHeader("content-type", "application/json")
	return &Client{
		logger: logger,
		http:   httpClient,
		apiKey: apiKey,
	}
}

// CreateCall provisions a websocket call for the assistant and returns its
// transport. The audio format is fixed to raw pcm_s16le at sampleRate.
func (c *Client) CreateCall(ctx context.Context, assistantID string, sampleRate int) (Transport, error) {
	requestID := uuid.NewString()
	start := time.Now()

	var result createCallResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createCallRequest{
			AssistantID: assistantID,
			Transport: createCallTransport{
				Provider: "vapi.websocket",
				AudioFormat: callAudioFormat{
					Format:     "pcm_s16le",
					Container:  "raw",
					SampleRate: sampleRate,
				},
			},
		}).
		SetResult(&result).
		Post("/call")
	if err != nil {
		return Transport{}, &ProvisionError{Kind: ProvisionErrorTransport, Err: err}
	}

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return Transport{}, &ProvisionError{
			Kind:    ProvisionErrorStatus,
			Status:  resp.StatusCode(),
			Excerpt: excerpt(resp.String()),
		}
	}
	if result.Transport.WebsocketCallURL == "" {
		return Transport{}, &ProvisionError{
			Kind:    ProvisionErrorMissingField,
			Excerpt: excerpt(resp.String()),
		}
	}

	c.logger.Infow("vapi: call provisioned",
		"request_id", requestID,
		"call_id", result.ID,
		"elapsed", time.Since(start),
	)
	return Transport{WebsocketCallURL: result.Transport.WebsocketCallURL}, nil
}

// excerpt truncates a response body for log-safe error messages.
func excerpt(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
