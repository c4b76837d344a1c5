package api

import (
	"github.com/samcharles93/vitckpt/internal/reconcile"
	"github.com/samcharles93/vitckpt/internal/vit"
)

// CheckpointRequest names a checkpoint and the model it is loaded into.
// Model is a preset name or a config file path; Config, when present, wins.
type CheckpointRequest struct {
	Checkpoint    string      `json:"checkpoint"`
	Model         string      `json:"model,omitempty"`
	Config        *vit.Config `json:"config,omitempty"`
	Subtree       string      `json:"subtree,omitempty"`
	PreLinen      bool        `json:"pre_linen,omitempty"`
	FailIfMissing *bool       `json:"fail_if_missing,omitempty"`
	FailIfExtra   *bool       `json:"fail_if_extra,omitempty"`
	Seed          *uint64     `json:"seed,omitempty"`
}

type AdaptRequest struct {
	CheckpointRequest
	// Output, when set, receives the merged tree. Its extension selects the
	// archive format.
	Output string `json:"output,omitempty"`
}

type PosEmbedShapes struct {
	Restored []int `json:"restored"`
	Expected []int `json:"expected"`
}

type InspectResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Format    string           `json:"format"`
	Model     string           `json:"model"`
	TokenLen  int              `json:"token_len"`
	Report    reconcile.Report `json:"report"`
	PosEmbed  *PosEmbedShapes  `json:"pos_embedding,omitempty"`
}

type AdaptResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Model     string           `json:"model"`
	Keys      int              `json:"keys"`
	Digest    string           `json:"digest"`
	Resized   bool             `json:"resized"`
	Output    string           `json:"output,omitempty"`
	Report    reconcile.Report `json:"report"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
