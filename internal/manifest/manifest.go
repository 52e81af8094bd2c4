// Package manifest reads the YAML deployment configuration submitted with a
// deployment request. The document is forwarded to the marketplace as is;
// only the service names and the ports they expose are looked at, to find
// the endpoint the deployed service answers on.
package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoServices = errors.New("deployment config declares no services")

// Manifest is the interpreted subset of a deployment configuration.
type Manifest struct {
	Version  string
	Services []Service
}

// Service is one container entry, in document order.
type Service struct {
	Name   string   `yaml:"-"`
	Expose []Expose `yaml:"expose"`
}

type Expose struct {
	Port Port           `yaml:"port"`
	As   Port           `yaml:"as"`
	To   []ExposeTarget `yaml:"to"`
}

type ExposeTarget struct {
	Global  bool   `yaml:"global"`
	Service string `yaml:"service,omitempty"`
}

// Port accepts a port written as a number or a numeric string. Anything
// else decodes to 0.
type Port int

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	*p = 0
	if value.Kind != yaml.ScalarNode {
		return nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value.Value)); err == nil {
		*p = Port(n)
	}
	return nil
}

// Valid reports whether p is a usable TCP port number.
func (p Port) Valid() bool {
	return p > 0 && p <= 65535
}

type document struct {
	Version  string    `yaml:"version"`
	Services yaml.Node `yaml:"services"`
}

// Parse reads the service list from text. It only fails when text is not
// YAML or declares no services; a service whose expose list cannot be read
// is kept without ports.
func Parse(text string) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("invalid deployment config: %w", err)
	}

	if doc.Services.Kind != yaml.MappingNode || len(doc.Services.Content) == 0 {
		return nil, ErrNoServices
	}

	m := &Manifest{Version: doc.Version}
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		key, value := doc.Services.Content[i], doc.Services.Content[i+1]

		var svc Service
		if err := value.Decode(&svc); err != nil {
			svc = Service{}
		}
		svc.Name = key.Value
		m.Services = append(m.Services, svc)
	}

	return m, nil
}

// IsGlobal reports whether the port is reachable from outside the deployment.
func (e Expose) IsGlobal() bool {
	for _, t := range e.To {
		if t.Global {
			return true
		}
	}
	return false
}

// PrimaryEndpoint returns the first valid globally exposed port of the first
// service that has one.
func (m *Manifest) PrimaryEndpoint() (service string, port int, ok bool) {
	for _, svc := range m.Services {
		for _, e := range svc.Expose {
			if e.IsGlobal() && e.Port.Valid() {
				return svc.Name, int(e.Port), true
			}
		}
	}
	return "", 0, false
}

// Service looks up a service by name.
func (m *Manifest) Service(name string) (Service, bool) {
	for _, svc := range m.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}
