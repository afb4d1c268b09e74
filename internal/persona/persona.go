// Package persona describes who the voice agent is: company, personality,
// prompt, voice and audio formats. A persona plus the tool registry yields
// the Settings frame the upstream service receives at session start.
package persona

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/tools"
)

type Persona struct {
	Company      string `yaml:"company"`
	VoiceModel   string `yaml:"voice_model"`
	VoiceName    string `yaml:"voice_name"`
	Language     string `yaml:"language"`
	Personality  string `yaml:"personality"`
	Capabilities string `yaml:"capabilities"`
	Prompt       string `yaml:"prompt"`
	Greeting     string `yaml:"greeting"`

	// PCM sample rates for the two directions.
	UserSampleRate  int `yaml:"user_sample_rate"`
	AgentSampleRate int `yaml:"agent_sample_rate"`
}

// Default is the Bean & Brew concierge persona.
func Default() Persona {
	p := Persona{
		Company:      "Bean & Brew",
		VoiceModel:   "aura-2-thalia-en",
		Language:     "en",
		Capabilities: "I can help you with specialty coffee programs, barista training, appointments, and orders.",
	}
	p.fillDerived()
	return p
}

// Load reads a persona YAML file and fills derived defaults.
func Load(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona file: %w", err)
	}
	p.fillDerived()
	return p, nil
}

func (p *Persona) fillDerived() {
	if p.VoiceModel == "" {
		p.VoiceModel = "aura-2-thalia-en"
	}
	if p.VoiceName == "" {
		p.VoiceName = VoiceNameFromModel(p.VoiceModel)
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if p.UserSampleRate <= 0 {
		p.UserSampleRate = 48000
	}
	if p.AgentSampleRate <= 0 {
		p.AgentSampleRate = 16000
	}
	if p.Personality == "" {
		p.Personality = fmt.Sprintf(
			"You are %s, a friendly and passionate coffee specialist for %s, one of New York's leading specialty coffee roasters. You help cafe owners, restaurant managers, and hospitality professionals grow their coffee business.",
			p.VoiceName, p.Company)
	}
	if p.Greeting == "" {
		p.Greeting = fmt.Sprintf("Hello! I'm %s from %s. %s How can I help you today?",
			p.VoiceName, p.Company, p.Capabilities)
	}
}

// VoiceNameFromModel derives a display name from a voice model id:
// "aura-2-thalia-en" yields "Thalia".
func VoiceNameFromModel(model string) string {
	name := strings.TrimPrefix(model, "aura-2-")
	name = strings.TrimPrefix(name, "aura-")
	if i := strings.IndexByte(name, '-'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "Agent"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// SettingsParams carries the per-deployment provider models and the client's
// per-session overrides.
type SettingsParams struct {
	ListenModel string
	ThinkModel  string
	Overrides   protocol.StartConfig
}

// Settings assembles the upstream session-start payload, including the JSON
// schema of every tool the service may invoke.
func (p Persona) Settings(params SettingsParams, defs []tools.Definition) protocol.Settings {
	voiceModel := p.VoiceModel
	if params.Overrides.VoiceModel != "" {
		voiceModel = params.Overrides.VoiceModel
	}
	voiceName := p.VoiceName
	switch {
	case params.Overrides.VoiceName != "":
		voiceName = params.Overrides.VoiceName
	case params.Overrides.VoiceModel != "":
		voiceName = VoiceNameFromModel(params.Overrides.VoiceModel)
	}

	greeting := p.Greeting
	if params.Overrides.VoiceModel != "" || params.Overrides.VoiceName != "" {
		greeting = fmt.Sprintf("Hello! I'm %s from %s. %s How can I help you today?",
			voiceName, p.Company, p.Capabilities)
	}

	functions := make([]protocol.FunctionDefinition, 0, len(defs))
	for _, d := range defs {
		functions = append(functions, protocol.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}

	return protocol.Settings{
		Type: protocol.AgentTypeSettings,
		Audio: protocol.AudioSettings{
			Input: protocol.AudioFormat{
				Encoding:   "linear16",
				SampleRate: p.UserSampleRate,
			},
			Output: protocol.AudioFormat{
				Encoding:   "linear16",
				SampleRate: p.AgentSampleRate,
				Container:  "none",
			},
		},
		Agent: protocol.AgentSettings{
			Language: p.Language,
			Listen: protocol.ListenSettings{
				Provider: protocol.Provider{Type: "deepgram", Model: params.ListenModel},
			},
			Think: protocol.ThinkSettings{
				Provider:  protocol.Provider{Type: "open_ai", Model: params.ThinkModel, Temperature: 0.7},
				Prompt:    p.prompt(),
				Functions: functions,
			},
			Speak: protocol.SpeakSettings{
				Provider: protocol.Provider{Type: "deepgram", Model: voiceModel},
			},
			Greeting: greeting,
		},
	}
}

func (p Persona) prompt() string {
	base := p.Prompt
	if base == "" {
		base = fmt.Sprintf(
			"You answer questions about %s and manage customer accounts, appointments and orders using the provided tools. Always look up the customer before reading back account details. Keep replies short and natural for speech. Today is %s.",
			p.Company, time.Now().Format("Monday, January 2, 2006"))
	}
	return p.Personality + "\n\n" + base
}
