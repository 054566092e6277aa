package server

import "github.com/samcharles93/lamina/internal/config"

// LayerInfo describes one registered layer type.
type LayerInfo struct {
	Name               string `json:"name"`
	Index              int    `json:"index"`
	OneBlobOnly        bool   `json:"one_blob_only"`
	SupportInplace     bool   `json:"support_inplace"`
	SupportVulkan      bool   `json:"support_vulkan"`
	SupportFP16Storage bool   `json:"support_fp16_storage"`
}

type LayerList struct {
	Object string      `json:"object"`
	Data   []LayerInfo `json:"data"`
}

// ForwardRequest runs one layer over one blob. Params are keyed by the
// decimal parameter id.
type ForwardRequest struct {
	Name      string         `json:"name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Input     config.Input   `json:"input"`
	Threads   int            `json:"threads,omitempty"`
	LightMode *bool          `json:"light_mode,omitempty"`
	// GPU records the forward on a dry-run device instead of computing it.
	GPU bool `json:"gpu,omitempty"`
}

type ForwardResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Layer   string        `json:"layer"`
	Name    string        `json:"name,omitempty"`
	Output  *config.Input `json:"output,omitempty"`
	Records []string      `json:"records,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  int    `json:"status,omitempty"`
}
