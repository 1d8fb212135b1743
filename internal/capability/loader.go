package capability

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document источник контрактов:
//
//	agents:
//	  - id: agent_b
//	    capabilities:
//	      - name: get_public_profile
//	        allowed_callers: [agent_a]
//	        exposed_fields: [name, service_type]
//	        fixture: {name: Agent B, service_type: pricing, internal_id: secret_123}
//
// fixture необязателен и нужен только StaticProvider.
type Document struct {
	Agents []AgentDocument `yaml:"agents"`
}

type AgentDocument struct {
	ID           string             `yaml:"id"`
	Capabilities []ContractDocument `yaml:"capabilities"`
}

type ContractDocument struct {
	domain.CapabilityContract `yaml:",inline"`
	Fixture                   map[string]any `yaml:"fixture"`
}

// ParseContracts разбирает и проверяет документ целиком, ничего не регистрируя
func ParseContracts(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("capability: empty contract source: %w", domain.ErrConfig)
		}
		return nil, fmt.Errorf("capability: parse contracts: %v: %w", err, domain.ErrConfig)
	}

	for _, a := range doc.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("capability: agent without id: %w", domain.ErrConfig)
		}
		for _, c := range a.Capabilities {
			if err := validateContract(c.CapabilityContract); err != nil {
				return nil, fmt.Errorf("capability: agent %s: %v: %w", a.ID, err, domain.ErrConfig)
			}
		}
	}
	return &doc, nil
}

// Apply регистрирует агентов и их контракты. Документ уже проверен ParseContracts.
func (r *Registry) Apply(doc *Document) error {
	for _, a := range doc.Agents {
		if err := r.RegisterAgent(a.ID); err != nil {
			return err
		}
		for _, c := range a.Capabilities {
			if err := r.RegisterCapability(a.ID, c.CapabilityContract); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadContracts разбирает YAML и регистрирует все, что в нем описано
func (r *Registry) LoadContracts(data []byte) error {
	doc, err := ParseContracts(data)
	if err != nil {
		return err
	}
	return r.Apply(doc)
}

// Seed заполняет StaticProvider данными из fixture
func (p *StaticProvider) Seed(doc *Document) {
	for _, a := range doc.Agents {
		for _, c := range a.Capabilities {
			if c.Fixture != nil {
				p.Set(a.ID, c.Name, c.Fixture)
			}
		}
	}
}

// LoadContractsFile читает файл контрактов
func LoadContractsFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capability: read contracts %q: %v: %w", path, err, domain.ErrConfig)
	}
	return ParseContracts(data)
}
