package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Default generation parameters applied when the client omits a field.
const (
	DefaultWidth         = 1024
	DefaultHeight        = 1024
	DefaultSteps         = 9
	DefaultGuidanceScale = 0.0
	DefaultSeed          = 42
	DefaultModelType     = "uint4"
)

var ErrMissingPrompt = errors.New("missing 'prompt' in parameters")

// Params holds the normalized parameters of a text-to-image request.
// Field order matters: it fixes the canonical JSON encoding used for
// identity derivation.
type Params struct {
	Prompt        string  `json:"prompt"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Steps         int     `json:"steps"`
	GuidanceScale float64 `json:"guidance_scale"`
	Seed          int64   `json:"seed"`
	ModelType     string  `json:"model_type"`
}

// rawParams distinguishes omitted fields from explicit zero values so that
// defaults apply only to fields the client actually left out.
type rawParams struct {
	Prompt        *string  `json:"prompt"`
	Width         *int     `json:"width"`
	Height        *int     `json:"height"`
	Steps         *int     `json:"steps"`
	GuidanceScale *float64 `json:"guidance_scale"`
	Seed          *int64   `json:"seed"`
	ModelType     *string  `json:"model_type"`

	// Correlation token some clients still send inside params. It never
	// influences job identity; the caller may fall back to it when the
	// message envelope carries no request_id of its own.
	RequestID *string `json:"request_id"`
}

// ParseParams decodes raw request parameters, applies defaults for omitted
// fields and validates the result. Two semantically identical requests,
// regardless of key order or optional-field omission, parse to equal Params.
// The second return value is the request_id found inside params, if any.
func ParseParams(data json.RawMessage) (Params, string, error) {
	var raw rawParams
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return Params{}, "", fmt.Errorf("decode params: %w", err)
		}
	}

	var requestID string
	if raw.RequestID != nil {
		requestID = *raw.RequestID
	}

	if raw.Prompt == nil || *raw.Prompt == "" {
		return Params{}, requestID, ErrMissingPrompt
	}

	p := Params{
		Prompt:        *raw.Prompt,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		Steps:         DefaultSteps,
		GuidanceScale: DefaultGuidanceScale,
		Seed:          DefaultSeed,
		ModelType:     DefaultModelType,
	}

	if raw.Width != nil {
		p.Width = *raw.Width
	}
	if raw.Height != nil {
		p.Height = *raw.Height
	}
	if raw.Steps != nil {
		p.Steps = *raw.Steps
	}
	if raw.GuidanceScale != nil {
		p.GuidanceScale = *raw.GuidanceScale
	}
	if raw.Seed != nil {
		p.Seed = *raw.Seed
	}
	if raw.ModelType != nil && *raw.ModelType != "" {
		p.ModelType = *raw.ModelType
	}

	if p.Width <= 0 || p.Height <= 0 {
		return Params{}, requestID, fmt.Errorf("invalid dimensions %dx%d", p.Width, p.Height)
	}
	if p.Steps <= 0 {
		return Params{}, requestID, fmt.Errorf("invalid steps %d", p.Steps)
	}

	return p, requestID, nil
}

// ID derives the deterministic job identifier for these parameters: the
// SHA-256 digest of the task type and the canonical JSON encoding. The
// function is pure; equal effective parameters always yield equal IDs.
func (p Params) ID(taskType TaskType) string {
	canonical, _ := json.Marshal(p)

	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil))
}
