package api

import "github.com/samcharles93/redilate/internal/version"

type ImageGenerationRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model,omitempty"`
	N              *int    `json:"n,omitempty"`
	Seed           *uint64 `json:"seed,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

type ImageGenerationResponse struct {
	ID      string      `json:"id"`
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Seed    uint64      `json:"seed"`
}

type ImageData struct {
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Model   string       `json:"model"`
	Version version.Info `json:"version"`
}
