// Package pipelineconfig loads the generated pipeline blueprint document
// (§6: "~/.routecodex/pipeline-config.generated.json") that the virtual
// router indexes at startup and on reload. The document shape mirrors
// PipelineBlueprint 1:1; this package only owns the on-disk format and
// atomic-reread texture, modeled on internal/config.Load's
// read-then-parse flow.
package pipelineconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	routecodex "github.com/routecodex/routecodex/internal"
)

// NodeDescriptor mirrors routecodex.NodeDescriptor in its wire shape.
type NodeDescriptor struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Implementation string         `json:"implementation"`
	Options        map[string]any `json:"options,omitempty"`
}

// PipelineDescriptor is one blueprint entry in the generated document
// (§6).
type PipelineDescriptor struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Phase             string           `json:"phase"`
	EntryEndpoints    []string         `json:"entryEndpoints"`
	ProviderProtocols []string         `json:"providerProtocols"`
	ProcessMode       string           `json:"processMode"`
	Streaming         string           `json:"streaming"`
	Nodes             []NodeDescriptor `json:"nodes"`
}

// Document is the top-level shape of pipeline-config.generated.json.
type Document struct {
	Pipelines []PipelineDescriptor `json:"pipelines"`
}

// DefaultPath resolves "~/.routecodex/pipeline-config.generated.json",
// honoring the same $ROUTECODEX_BASEDIR/$RCC_BASEDIR override used by
// internal/tokenstore and internal/snapshot.
func DefaultPath() string {
	if v := os.Getenv("ROUTECODEX_BASEDIR"); v != "" {
		return filepath.Join(v, "pipeline-config.generated.json")
	}
	if v := os.Getenv("RCC_BASEDIR"); v != "" {
		return filepath.Join(v, "pipeline-config.generated.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".routecodex", "pipeline-config.generated.json")
}

// Load reads and parses the blueprint document at path. Each call rereads
// the file from disk so a caller can implement "reload on runtime
// reload" (§3) by calling Load again.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Blueprints converts every descriptor in doc into a validated
// routecodex.PipelineBlueprint, normalizing entry endpoints to lowercase
// trimmed form (§4.8 step 1) and defaulting an empty id to the
// descriptor's name.
func (doc *Document) Blueprints() ([]*routecodex.PipelineBlueprint, error) {
	out := make([]*routecodex.PipelineBlueprint, 0, len(doc.Pipelines))
	for _, d := range doc.Pipelines {
		b, err := d.toBlueprint()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (d PipelineDescriptor) toBlueprint() (*routecodex.PipelineBlueprint, error) {
	id := d.ID
	if id == "" {
		id = d.Name
	}

	endpoints := make([]string, 0, len(d.EntryEndpoints))
	for _, e := range d.EntryEndpoints {
		endpoints = append(endpoints, normalizeEndpoint(e))
	}

	protocols := make([]routecodex.Protocol, 0, len(d.ProviderProtocols))
	for _, p := range d.ProviderProtocols {
		protocols = append(protocols, routecodex.Protocol(p))
	}

	nodes := make([]routecodex.NodeDescriptor, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes = append(nodes, routecodex.NodeDescriptor{
			ID:             n.ID,
			Kind:           routecodex.NodeKind(n.Kind),
			Implementation: n.Implementation,
			Options:        n.Options,
		})
	}

	phase := routecodex.Phase(d.Phase)
	if phase == "" {
		phase = routecodex.PhaseRequest
	}
	streaming := routecodex.Streaming(d.Streaming)
	if streaming == "" {
		streaming = routecodex.StreamingAuto
	}
	processMode := routecodex.ProcessMode(d.ProcessMode)
	if processMode == "" {
		processMode = routecodex.ProcessModeChat
	}

	b := &routecodex.PipelineBlueprint{
		ID:                id,
		Name:              d.Name,
		Phase:             phase,
		EntryEndpoints:    endpoints,
		ProviderProtocols: protocols,
		ProcessMode:       processMode,
		Streaming:         streaming,
		Nodes:             nodes,
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("pipelineconfig: blueprint %q: %w", id, err)
	}
	return b, nil
}

func normalizeEndpoint(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
