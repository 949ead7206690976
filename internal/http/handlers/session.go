package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/abrcore/internal/session"
)

// SessionSource is the session the API reports on.
type SessionSource interface {
	Status() session.Status
	Seek(index int) error
}

// SessionHandler exposes session status and seeking.
type SessionHandler struct {
	source SessionSource
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(source SessionSource) *SessionHandler {
	return &SessionHandler{source: source}
}

// GetSessionInput is the input for the status endpoint.
type GetSessionInput struct{}

// GetSessionOutput is the output for the status endpoint.
type GetSessionOutput struct {
	Body session.Status
}

// SeekInput is the input for the seek endpoint.
type SeekInput struct {
	Body struct {
		Segment int `json:"segment" minimum:"0" doc:"Index of the segment to resume at"`
	}
}

// SeekOutput is the output for the seek endpoint.
type SeekOutput struct {
	Body struct {
		Segment int `json:"segment"`
	}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      "GET",
		Path:        "/api/v1/session",
		Summary:     "Get session status",
		Description: "Returns the playing representations, buffer levels and bandwidth estimate",
		Tags:        []string{"Session"},
	}, h.GetSession)

	huma.Register(api, huma.Operation{
		OperationID: "seekSession",
		Method:      "POST",
		Path:        "/api/v1/session/seek",
		Summary:     "Seek",
		Description: "Restarts every stream at the given segment",
		Tags:        []string{"Session"},
	}, h.Seek)
}

// GetSession returns the session status.
func (h *SessionHandler) GetSession(_ context.Context, _ *GetSessionInput) (*GetSessionOutput, error) {
	return &GetSessionOutput{Body: h.source.Status()}, nil
}

// Seek moves the session to a segment.
func (h *SessionHandler) Seek(_ context.Context, input *SeekInput) (*SeekOutput, error) {
	if err := h.source.Seek(input.Body.Segment); err != nil {
		switch {
		case errors.Is(err, session.ErrSeekOutOfRange):
			return nil, huma.Error400BadRequest("segment out of range", err)
		case errors.Is(err, session.ErrStreamFinished):
			return nil, huma.Error409Conflict("playback has finished", err)
		default:
			return nil, huma.Error500InternalServerError("seek failed", err)
		}
	}
	out := &SeekOutput{}
	out.Body.Segment = input.Body.Segment
	return out, nil
}
