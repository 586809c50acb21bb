package dispatch

import (
	"asrworker/internal/failure"
	"asrworker/internal/lifecycle"
)

// InitResponse is the first line written by the worker.
type InitResponse struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Type      failure.Kind `json:"type,omitempty"`
	Device    string       `json:"device,omitempty"`
	ModelType string       `json:"model_type,omitempty"`
	Degraded  []string     `json:"degraded,omitempty"`
}

// TranscribeResult is the success response of a transcribe command.
type TranscribeResult struct {
	Success   bool    `json:"success"`
	Text      string  `json:"text"`
	RawText   string  `json:"raw_text"`
	Duration  float64 `json:"duration"`
	Language  string  `json:"language"`
	ModelType string  `json:"model_type"`
}

// ModelStatus reports one declared component.
type ModelStatus struct {
	Required    bool    `json:"required"`
	Loaded      bool    `json:"loaded"`
	Error       string  `json:"error,omitempty"`
	LoadSeconds float64 `json:"load_seconds,omitempty"`
}

// StatusResponse answers the status command.
type StatusResponse struct {
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	State          lifecycle.State        `json:"state"`
	Initialized    bool                   `json:"initialized"`
	ModelDir       string                 `json:"model_dir,omitempty"`
	ModelType      string                 `json:"model_type,omitempty"`
	Device         string                 `json:"device"`
	CUDAAvailable  bool                   `json:"cuda_available"`
	GPUName        string                 `json:"gpu_name,omitempty"`
	GPUMemoryTotal string                 `json:"gpu_memory_total,omitempty"`
	GPUMemoryUsed  string                 `json:"gpu_memory_used,omitempty"`
	Models         map[string]ModelStatus `json:"models,omitempty"`
}

// StatsReport carries the process counters.
type StatsReport struct {
	TranscriptionCount int64    `json:"transcription_count"`
	TotalAudioDuration float64  `json:"total_audio_duration"`
	AverageDuration    float64  `json:"average_duration"`
	Initialized        bool     `json:"initialized"`
	Device             string   `json:"device"`
	ModelType          string   `json:"model_type"`
	ModelsLoaded       []string `json:"models_loaded"`
}

// StatsResponse answers the stats command.
type StatsResponse struct {
	Success bool        `json:"success"`
	Stats   StatsReport `json:"stats"`
}
