package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/yield-adapters/internal/annualize"
	"github.com/yourorg/yield-adapters/internal/types"
)

// Adapter kinds
const (
	KindLending = "lending"
	KindVault   = "vault"
	KindAMM     = "amm"
	KindStaking = "staking"
)

var projectPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// AdaptersFile is the adapter deployment file: one entry per integration
type AdaptersFile struct {
	Adapters []AdapterConfig `yaml:"adapters"`
}

// AdapterConfig describes one integration and where its pools live
type AdapterConfig struct {
	Project string `yaml:"project"`
	Kind    string `yaml:"kind"`
	URL     string `yaml:"url"`
	// Rewards opts the integration into incentive registry lookups
	Rewards bool              `yaml:"rewards"`
	Chains  []ChainDeployment `yaml:"chains"`
}

// ChainDeployment is an integration's footprint on one chain. Which fields are
// required depends on the adapter kind.
type ChainDeployment struct {
	Chain string               `yaml:"chain"`
	Slug  types.SupportedChain `yaml:"-"`

	// lending
	DataProvider string   `yaml:"data_provider"`
	Reserves     []string `yaml:"reserves"`

	// vault
	Vaults []VaultConfig `yaml:"vaults"`

	// amm
	Subgraph string `yaml:"subgraph"`

	// staking
	API string `yaml:"api"`

	// LegacyIDs maps a contract address to a pool id published before the
	// default derivation existed
	LegacyIDs map[string]string `yaml:"legacy_ids"`
}

// VaultConfig is a single share-price vault
type VaultConfig struct {
	Address string          `yaml:"address"`
	Model   string          `yaml:"model"`
	Meta    string          `yaml:"meta"`
	Parsed  annualize.Model `yaml:"-"`
}

// LoadAdapters reads the deployment file from disk
func LoadAdapters(path string) (*AdaptersFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open adapters file: %w", err)
	}
	defer file.Close()
	return LoadAdaptersFromReader(file)
}

// LoadAdaptersFromReader parses, normalises and validates a deployment file
func LoadAdaptersFromReader(r io.Reader) (*AdaptersFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read adapters file: %w", err)
	}

	var f AdaptersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal adapters file: %w", err)
	}
	if err := f.normalise(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Find returns the adapter configured for project
func (f *AdaptersFile) Find(project string) (AdapterConfig, bool) {
	for _, a := range f.Adapters {
		if a.Project == project {
			return a, true
		}
	}
	return AdapterConfig{}, false
}

// Projects lists configured projects in file order
func (f *AdaptersFile) Projects() []string {
	out := make([]string, 0, len(f.Adapters))
	for _, a := range f.Adapters {
		out = append(out, a.Project)
	}
	return out
}

func (f *AdaptersFile) normalise() error {
	for i := range f.Adapters {
		a := &f.Adapters[i]
		a.Project = strings.TrimSpace(a.Project)
		a.Kind = strings.ToLower(strings.TrimSpace(a.Kind))
		a.URL = strings.TrimSpace(os.ExpandEnv(a.URL))
		for j := range a.Chains {
			c := &a.Chains[j]
			info, err := types.Lookup(c.Chain)
			if err != nil {
				return fmt.Errorf("adapter %s: %w", a.Project, err)
			}
			c.Slug = info.Slug
			c.DataProvider = strings.TrimSpace(c.DataProvider)
			c.Subgraph = strings.TrimSpace(os.ExpandEnv(c.Subgraph))
			c.API = strings.TrimSpace(os.ExpandEnv(c.API))
			for k, r := range c.Reserves {
				c.Reserves[k] = strings.ToLower(strings.TrimSpace(r))
			}
			for k := range c.Vaults {
				v := &c.Vaults[k]
				v.Address = strings.TrimSpace(v.Address)
				m, err := annualize.ParseModel(v.Model)
				if err != nil {
					return fmt.Errorf("adapter %s vault %s: %w", a.Project, v.Address, err)
				}
				v.Parsed = m
			}
			if len(c.LegacyIDs) > 0 {
				ids := make(map[string]string, len(c.LegacyIDs))
				for addr, id := range c.LegacyIDs {
					ids[strings.ToLower(strings.TrimSpace(addr))] = strings.TrimSpace(id)
				}
				c.LegacyIDs = ids
			}
		}
	}
	return nil
}

// Validate checks the deployment file for missing or inconsistent entries
func (f *AdaptersFile) Validate() error {
	if len(f.Adapters) == 0 {
		return fmt.Errorf("adapters file declares no adapters")
	}
	seen := make(map[string]struct{}, len(f.Adapters))
	for _, a := range f.Adapters {
		if !projectPattern.MatchString(a.Project) {
			return fmt.Errorf("adapter project %q must be a lower-case slug", a.Project)
		}
		if _, dup := seen[a.Project]; dup {
			return fmt.Errorf("adapter project %q declared twice", a.Project)
		}
		seen[a.Project] = struct{}{}

		if len(a.Chains) == 0 {
			return fmt.Errorf("adapter %s: no chains configured", a.Project)
		}
		chains := make(map[types.SupportedChain]struct{}, len(a.Chains))
		for _, c := range a.Chains {
			if _, dup := chains[c.Slug]; dup {
				return fmt.Errorf("adapter %s: chain %s declared twice", a.Project, c.Slug)
			}
			chains[c.Slug] = struct{}{}
			if err := validateDeployment(a.Kind, c); err != nil {
				return fmt.Errorf("adapter %s on %s: %w", a.Project, c.Slug, err)
			}
		}
	}
	return nil
}

func validateDeployment(kind string, c ChainDeployment) error {
	switch kind {
	case KindLending:
		if !common.IsHexAddress(c.DataProvider) {
			return fmt.Errorf("data_provider %q is not an address", c.DataProvider)
		}
		for _, r := range c.Reserves {
			if !common.IsHexAddress(r) {
				return fmt.Errorf("reserve %q is not an address", r)
			}
		}
	case KindVault:
		if len(c.Vaults) == 0 {
			return fmt.Errorf("no vaults configured")
		}
		for _, v := range c.Vaults {
			if !common.IsHexAddress(v.Address) {
				return fmt.Errorf("vault %q is not an address", v.Address)
			}
		}
	case KindAMM:
		if c.Subgraph == "" {
			return fmt.Errorf("subgraph endpoint required")
		}
	case KindStaking:
		if c.API == "" {
			return fmt.Errorf("api endpoint required")
		}
	default:
		return fmt.Errorf("unknown adapter kind %q", kind)
	}
	for addr, id := range c.LegacyIDs {
		if id == "" {
			return fmt.Errorf("empty legacy id for %s", addr)
		}
	}
	return nil
}
