package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// Spec is the declarative description of one specialist, loaded from YAML.
// A specs file is a YAML document list, one document per specialist.
type Spec struct {
	// Name is the registry name of the specialist. Required, unique.
	Name string `yaml:"name"`

	// Description is a one-line summary surfaced to other agents' prompts so
	// the model knows when to hand off here.
	Description string `yaml:"description"`

	Model   ModelSpec   `yaml:"model"`
	Voice   VoiceSpec   `yaml:"voice"`
	Prompts PromptsSpec `yaml:"prompts"`

	// Tools lists the tool registry names this specialist may call.
	Tools []string `yaml:"tools"`

	// Greeting is spoken on first handoff to this specialist.
	Greeting string `yaml:"greeting"`

	// ReentryGreeting is the shorter phrase used when the caller returns to
	// this specialist within the same session. Falls back to Greeting.
	ReentryGreeting string `yaml:"reentry_greeting"`
}

// ModelSpec selects the completion model for a specialist.
type ModelSpec struct {
	// DeploymentID is the provider-side model or deployment name.
	DeploymentID string  `yaml:"deployment_id"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// VoiceSpec selects the synthesis voice for a specialist.
type VoiceSpec struct {
	Name  string  `yaml:"name"`
	Style string  `yaml:"style"`
	Rate  float64 `yaml:"rate"`
}

// PromptsSpec points at the specialist's system prompt.
type PromptsSpec struct {
	// Path is the prompt file, resolved relative to the specs file.
	Path string `yaml:"path"`
}

// Profile converts the voice block into a tts.VoiceProfile.
func (s Spec) Profile() tts.VoiceProfile {
	return tts.VoiceProfile{
		Name:  s.Voice.Name,
		Style: s.Voice.Style,
		Rate:  s.Voice.Rate,
	}
}

// LoadSpecs reads the YAML document list at path and returns validated specs.
// Prompt paths are resolved relative to the specs file's directory.
func LoadSpecs(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open specs %q: %w", path, err)
	}
	defer f.Close()

	specs, err := LoadSpecsFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("agent: parse specs %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range specs {
		if p := specs[i].Prompts.Path; p != "" && !filepath.IsAbs(p) {
			specs[i].Prompts.Path = filepath.Join(dir, p)
		}
	}
	return specs, nil
}

// LoadSpecsFromReader decodes a YAML document list from r and validates the
// result. Useful in tests where specs are constructed from string literals.
func LoadSpecsFromReader(r io.Reader) ([]Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var specs []Spec
	for {
		var s Spec
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("agent: decode spec yaml: %w", err)
		}
		specs = append(specs, s)
	}
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ValidateSpecs checks that specs form a coherent set.
// It returns a joined error listing all validation failures found.
func ValidateSpecs(specs []Spec) error {
	var errs []error

	if len(specs) == 0 {
		errs = append(errs, errors.New("no agent specs defined"))
	}

	namesSeen := make(map[string]int, len(specs))
	for i, s := range specs {
		prefix := fmt.Sprintf("specs[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[s.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of specs[%d]", prefix, s.Name, prev))
			}
			namesSeen[s.Name] = i
		}
		if s.Model.DeploymentID == "" {
			errs = append(errs, fmt.Errorf("%s.model.deployment_id is required", prefix))
		}
		if s.Model.Temperature < 0 || s.Model.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.model.temperature %v is out of range [0, 2]", prefix, s.Model.Temperature))
		}
		if s.Voice.Name == "" {
			errs = append(errs, fmt.Errorf("%s.voice.name is required", prefix))
		}
		if s.Voice.Rate < 0 {
			errs = append(errs, fmt.Errorf("%s.voice.rate must not be negative", prefix))
		}
	}

	return errors.Join(errs...)
}
