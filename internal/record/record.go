// Package record defines the LLM output record tracked by the dispatcher.
package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultProject = "default_project"
	DefaultGroup   = "default_group"
)

// LLMOutput is one telemetry event. It is immutable once New returns; the
// dispatcher holds the pointer that was tracked all the way to the transport.
type LLMOutput struct {
	ID                   string
	Text                 string
	Timestamp            float64
	Project              string
	Group                string
	Metadata             map[string]any
	NeedAnalysisResponse bool
	FormatJSONOutput     bool
}

type Option func(*LLMOutput)

func WithTimestamp(ts float64) Option {
	return func(o *LLMOutput) { o.Timestamp = ts }
}

func WithProject(project string) Option {
	return func(o *LLMOutput) {
		if project != "" {
			o.Project = project
		}
	}
}

func WithGroup(group string) Option {
	return func(o *LLMOutput) {
		if group != "" {
			o.Group = group
		}
	}
}

// WithMetadata attaches metadata. A nil map keeps metadata absent.
func WithMetadata(metadata map[string]any) Option {
	return func(o *LLMOutput) { o.Metadata = metadata }
}

func WithNeedAnalysisResponse(v bool) Option {
	return func(o *LLMOutput) { o.NeedAnalysisResponse = v }
}

func WithFormatJSONOutput(v bool) Option {
	return func(o *LLMOutput) { o.FormatJSONOutput = v }
}

func New(text string, opts ...Option) *LLMOutput {
	out := &LLMOutput{
		ID:      uuid.NewString(),
		Text:    text,
		Project: DefaultProject,
		Group:   DefaultGroup,
	}
	for _, opt := range opts {
		opt(out)
	}
	if out.Timestamp == 0 {
		out.Timestamp = Now()
	}
	return out
}

// Now returns the current time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

type wireOutput struct {
	ID                   string         `json:"id"`
	Text                 string         `json:"text"`
	Timestamp            float64        `json:"timestamp"`
	Project              string         `json:"project"`
	Group                string         `json:"group"`
	Metadata             map[string]any `json:"metadata"`
	NeedAnalysisResponse bool           `json:"need_analysis_response"`
	FormatJSONOutput     bool           `json:"format_json_output"`
}

func (o *LLMOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOutput{
		ID:                   o.ID,
		Text:                 o.Text,
		Timestamp:            o.Timestamp,
		Project:              o.Project,
		Group:                o.Group,
		Metadata:             o.Metadata,
		NeedAnalysisResponse: o.NeedAnalysisResponse,
		FormatJSONOutput:     o.FormatJSONOutput,
	})
}

// Decode builds a record from its wire form, applying the same defaults as
// New for fields the payload leaves empty.
func Decode(data []byte) (*LLMOutput, error) {
	var w wireOutput
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	out := New(w.Text,
		WithTimestamp(w.Timestamp),
		WithProject(w.Project),
		WithGroup(w.Group),
		WithMetadata(w.Metadata),
		WithNeedAnalysisResponse(w.NeedAnalysisResponse),
		WithFormatJSONOutput(w.FormatJSONOutput),
	)
	if w.ID != "" {
		out.ID = w.ID
	}
	return out, nil
}
