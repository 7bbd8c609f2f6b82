package services

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

// ProfileTool declares one tool an assistant profile offers the model.
type ProfileTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	ServerRef   string         `yaml:"server_ref"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// AssistantProfile is one named assistant configuration. Profiles are
// what users mention to fan a turn out across models.
type AssistantProfile struct {
	Name            string        `yaml:"name"`
	ModelRef        string        `yaml:"model_ref"`
	SystemPrompt    string        `yaml:"system_prompt"`
	ToolMandatory   bool          `yaml:"tool_mandatory"`
	CompressContext bool          `yaml:"compress_context"`
	ContextCount    int           `yaml:"context_count"`
	EnableWeb       bool          `yaml:"enable_web"`
	Tools           []ProfileTool `yaml:"tools"`
}

type profilesFile struct {
	Profiles map[string]AssistantProfile `yaml:"profiles"`
}

// LoadProfiles reads the assistant profile catalog. A missing path
// yields a single default profile so the service still boots.
func LoadProfiles(path string) (map[string]AssistantProfile, error) {
	if path == "" {
		return defaultProfiles(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultProfiles(), nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var pf profilesFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(pf.Profiles) == 0 {
		return defaultProfiles(), nil
	}
	for key, p := range pf.Profiles {
		if p.Name == "" {
			p.Name = key
		}
		if p.ContextCount <= 0 {
			p.ContextCount = 20
		}
		pf.Profiles[key] = p
	}
	if _, ok := pf.Profiles["default"]; !ok {
		pf.Profiles["default"] = defaultProfiles()["default"]
	}
	return pf.Profiles, nil
}

func defaultProfiles() map[string]AssistantProfile {
	return map[string]AssistantProfile{
		"default": {
			Name:         "default",
			SystemPrompt: "You are a helpful assistant.",
			ContextCount: 20,
		},
	}
}

// GatewayTools converts the profile's tool declarations to the wire
// shape the generation gateway expects.
func (p AssistantProfile) GatewayTools() []modelgw.ToolSpec {
	if len(p.Tools) == 0 {
		return nil
	}
	out := make([]modelgw.ToolSpec, 0, len(p.Tools))
	for _, t := range p.Tools {
		spec := modelgw.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			ServerRef:   t.ServerRef,
		}
		if len(t.InputSchema) > 0 {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				spec.InputSchema = raw
			}
		}
		out = append(out, spec)
	}
	return out
}
