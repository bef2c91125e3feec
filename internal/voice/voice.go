package voice

import (
	"context"
	"strings"
)

// Voice is a synthesis persona offered by a backend.
type Voice struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Gender      string `json:"gender,omitempty" yaml:"gender"`
	Age         string `json:"age,omitempty" yaml:"age"`
	Culture     string `json:"culture,omitempty" yaml:"culture"`
	Identifier  string `json:"identifier,omitempty" yaml:"identifier"`
	Provider    string `json:"provider,omitempty" yaml:"provider"`
}

// ID returns the backend identifier, falling back to the name.
func (v Voice) ID() string {
	if v.Identifier != "" {
		return v.Identifier
	}
	return v.Name
}

// Selector picks a voice for a request. The first non-empty field that
// matches a catalog entry wins, in the order name, identifier, culture.
type Selector struct {
	Name       string `json:"name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Culture    string `json:"culture,omitempty"`
}

func (s Selector) IsZero() bool {
	return s.Name == "" && s.Identifier == "" && s.Culture == ""
}

func (s Selector) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.Name, s.Identifier, s.Culture} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Discoverer lists the voices a backend offers.
type Discoverer interface {
	Voices(ctx context.Context) ([]Voice, error)
}
