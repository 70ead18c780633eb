// Package atlas implements the Atlas Cloud submit/poll video generation API
// (Seedance image-to-video models). Submit returns a prediction id
// immediately; callers poll the prediction endpoint until a terminal state.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"filmgen/internal/infra"
	"filmgen/internal/provider"
)

const providerName = "atlas"

// Options controls how the Atlas Cloud client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client talks to the Atlas Cloud prediction API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient validates options and builds a Client.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.atlascloud.ai/api/v1"
	}

	model := opts.Model
	if model == "" {
		model = "bytedance/seedance-v1.5-pro/image-to-video-fast"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

type generateVideoRequest struct {
	Model         string `json:"model"`
	Prompt        string `json:"prompt"`
	Image         string `json:"image,omitempty"`
	Duration      int    `json:"duration"`
	AspectRatio   string `json:"aspect_ratio"`
	CameraFixed   bool   `json:"camera_fixed"`
	GenerateAudio bool   `json:"generate_audio"`
	Resolution    string `json:"resolution"`
	Seed          int    `json:"seed"`
}

type predictionEnvelope struct {
	Data struct {
		ID      string   `json:"id"`
		Status  string   `json:"status"`
		Outputs []string `json:"outputs"`
		Error   string   `json:"error"`
	} `json:"data"`
	Message string `json:"message"`
}

// SubmitVideo submits a generation request and returns the prediction id.
func (c *Client) SubmitVideo(ctx context.Context, req provider.VideoRequest) (string, error) {
	duration := req.Duration
	if duration <= 0 {
		duration = 8
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "9:16"
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "720p"
	}

	body := generateVideoRequest{
		Model:         c.model,
		Prompt:        req.Prompt,
		Image:         req.ImageURL,
		Duration:      duration,
		AspectRatio:   aspect,
		GenerateAudio: true,
		Resolution:    resolution,
		Seed:          -1,
	}

	var out predictionEnvelope
	if err := c.do(ctx, http.MethodPost, "/model/generateVideo", body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", &provider.Error{
			Provider: providerName,
			Code:     "no_prediction_id",
			Message:  "submission accepted but no prediction id returned",
		}
	}
	c.logger.Debug().Str("prediction_id", out.Data.ID).Msg("atlas: video submitted")
	return out.Data.ID, nil
}

// Check fetches the current state of a prediction.
func (c *Client) Check(ctx context.Context, predictionID string) (provider.Prediction, error) {
	var out predictionEnvelope
	if err := c.do(ctx, http.MethodGet, "/model/prediction/"+predictionID, nil, &out); err != nil {
		return provider.Prediction{}, err
	}

	pred := provider.Prediction{ID: predictionID}
	switch out.Data.Status {
	case "completed", "succeeded":
		pred.State = provider.PredictionSucceeded
		if len(out.Data.Outputs) > 0 {
			pred.OutputURL = out.Data.Outputs[0]
		}
		if pred.OutputURL == "" {
			return provider.Prediction{}, &provider.Error{
				Provider: providerName,
				Code:     "no_output",
				Message:  "prediction succeeded without outputs",
			}
		}
	case "failed":
		pred.State = provider.PredictionFailed
		pred.Error = out.Data.Error
		if pred.Error == "" {
			pred.Error = "generation failed"
		}
	default:
		pred.State = provider.PredictionRunning
	}
	return pred, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &provider.Error{Provider: providerName, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := "status " + resp.Status
		var envelope predictionEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Message != "" {
			msg = envelope.Message
		}
		return provider.NewHTTPError(providerName, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ provider.Predictor = (*Client)(nil)
