// Package types holds the JSON shapes exchanged with the coordinator.
package types

import "time"

// Render response headers.
const (
	HeaderRenderJob    = "X-Render-Job"
	HeaderRenderWidth  = "X-Render-Width"
	HeaderRenderHeight = "X-Render-Height"
)

// Multipart field names.
const (
	FieldSceneFile  = "ass_file"
	FieldPatch      = "m_patch"
	FieldParameters = "m_parameters"
	FieldSettings   = "m_settings"
)

// Common response types

type Response struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

type InitResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	// MWidth and MHeight mirror Width and Height for older clients.
	MWidth  int `json:"m_width"`
	MHeight int `json:"m_height"`
}

type MissingParametersResponse struct {
	Success      bool   `json:"success"`
	Msg          string `json:"msg"`
	MissingPatch bool   `json:"m_patch"`
	MissingFile  bool   `json:"file_buffer"`
}

type PercentResponse struct {
	Success bool    `json:"success"`
	Msg     string  `json:"msg"`
	Percent float64 `json:"percent"`
}

type CheckBufferResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Exists  bool   `json:"exists"`
	Bytes   int64  `json:"bytes"`
}

type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Code       int        `json:"code"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type StatusResponse struct {
	Success bool   `json:"success"`
	Open    bool   `json:"open"`
	State   string `json:"state"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Job     *Job   `json:"job,omitempty"`
}
