// Package tasktype defines the closed set of task types, their payload
// variants and the per-type metadata the orchestration core routes on.
package tasktype

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Type string

const (
	ImageGenerate   Type = "image.generate"
	VideoGenerate   Type = "video.generate"
	VoiceSynthesize Type = "voice.synthesize"
	TextStoryboard  Type = "text.storyboard"
	TextAnalyze     Type = "text.analyze"
)

// Partition names a queue partition; each has its own worker slots.
type Partition string

const (
	PartitionText  Partition = "text"
	PartitionMedia Partition = "media"
)

// Spec is the routing metadata for one task type.
type Spec struct {
	Type      Type
	Partition Partition
	Billable  bool
	// Workflow is non-empty for types that get an attached Run.
	Workflow string
	schema   string
}

var specs = []Spec{
	{
		Type:      ImageGenerate,
		Partition: PartitionMedia,
		Billable:  true,
		schema: `{
			"type": "object",
			"required": ["prompt"],
			"properties": {
				"prompt": {"type": "string", "minLength": 1},
				"count": {"type": "integer", "minimum": 1, "maximum": 8},
				"width": {"type": "integer", "minimum": 64, "maximum": 4096},
				"height": {"type": "integer", "minimum": 64, "maximum": 4096},
				"style": {"type": "string"}
			}
		}`,
	},
	{
		Type:      VideoGenerate,
		Partition: PartitionMedia,
		Billable:  true,
		schema: `{
			"type": "object",
			"required": ["prompt", "duration_sec"],
			"properties": {
				"prompt": {"type": "string", "minLength": 1},
				"image_url": {"type": "string"},
				"duration_sec": {"type": "integer", "minimum": 1, "maximum": 60}
			}
		}`,
	},
	{
		Type:      VoiceSynthesize,
		Partition: PartitionMedia,
		Billable:  true,
		schema: `{
			"type": "object",
			"required": ["text"],
			"properties": {
				"text": {"type": "string", "minLength": 1, "maxLength": 20000},
				"voice": {"type": "string"}
			}
		}`,
	},
	{
		Type:      TextStoryboard,
		Partition: PartitionText,
		Billable:  true,
		Workflow:  "storyboard",
		schema: `{
			"type": "object",
			"required": ["script"],
			"properties": {
				"script": {"type": "string", "minLength": 1},
				"scenes": {"type": "integer", "minimum": 1, "maximum": 200}
			}
		}`,
	},
	{
		Type:      TextAnalyze,
		Partition: PartitionText,
		schema: `{
			"type": "object",
			"required": ["text"],
			"properties": {
				"text": {"type": "string", "minLength": 1}
			}
		}`,
	},
}

// Payload is the tagged union of per-type payloads.
type Payload interface {
	TaskType() Type
}

type ImagePayload struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Style  string `json:"style,omitempty"`
}

func (ImagePayload) TaskType() Type { return ImageGenerate }

type VideoPayload struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	DurationSec int    `json:"duration_sec"`
}

func (VideoPayload) TaskType() Type { return VideoGenerate }

type VoicePayload struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func (VoicePayload) TaskType() Type { return VoiceSynthesize }

type StoryboardPayload struct {
	Script string `json:"script"`
	Scenes int    `json:"scenes,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

func (StoryboardPayload) TaskType() Type { return TextStoryboard }

type AnalyzePayload struct {
	Text string `json:"text"`
}

func (AnalyzePayload) TaskType() Type { return TextAnalyze }

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid task: " + e.Reason
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}

// Registry holds the compiled payload schemas.
type Registry struct {
	specs   map[Type]Spec
	schemas map[Type]*jsonschema.Schema
}

func NewRegistry() (*Registry, error) {
	r := &Registry{
		specs:   make(map[Type]Spec, len(specs)),
		schemas: make(map[Type]*jsonschema.Schema, len(specs)),
	}
	c := jsonschema.NewCompiler()
	for _, spec := range specs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", spec.Type, err)
		}
		url := string(spec.Type) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", spec.Type, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", spec.Type, err)
		}
		r.specs[spec.Type] = spec
		r.schemas[spec.Type] = schema
	}
	return r, nil
}

func (r *Registry) Lookup(t string) (Spec, bool) {
	spec, ok := r.specs[Type(t)]
	return spec, ok
}

// Types returns every registered type in lexical order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks raw against the type's schema and decodes it into its variant.
func (r *Registry) Validate(t string, raw json.RawMessage) (Payload, error) {
	spec, ok := r.specs[Type(t)]
	if !ok {
		return nil, &ValidationError{Type: t, Reason: "unknown task type"}
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, &ValidationError{Type: t, Reason: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := r.schemas[spec.Type].Validate(doc); err != nil {
		return nil, &ValidationError{Type: t, Reason: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return Decode(t, raw)
}

// Decode unmarshals raw into the variant for t without schema checks.
func Decode(t string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch Type(t) {
	case ImageGenerate:
		p = &ImagePayload{}
	case VideoGenerate:
		p = &VideoPayload{}
	case VoiceSynthesize:
		p = &VoicePayload{}
	case TextStoryboard:
		p = &StoryboardPayload{}
	case TextAnalyze:
		p = &AnalyzePayload{}
	default:
		return nil, &ValidationError{Type: t, Reason: "unknown task type"}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{Type: t, Reason: err.Error()}
	}
	return p, nil
}

// InjectRunID sets "run_id" in an opaque payload object, preserving every other key.
func InjectRunID(raw json.RawMessage, runID string) (json.RawMessage, error) {
	bag := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &bag); err != nil {
			return nil, fmt.Errorf("decode payload bag: %w", err)
		}
	}
	id, err := json.Marshal(runID)
	if err != nil {
		return nil, err
	}
	bag["run_id"] = id
	out, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("encode payload bag: %w", err)
	}
	return out, nil
}

// RunIDFrom reads "run_id" from an opaque payload, or "" when absent.
func RunIDFrom(raw json.RawMessage) string {
	var probe struct {
		RunID string `json:"run_id"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	return probe.RunID
}
