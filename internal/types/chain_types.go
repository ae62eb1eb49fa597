// Package types contains shared type definitions used across multiple packages
package types

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedChain is the canonical slug of a blockchain network
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum  SupportedChain = "ethereum"
	ChainArbitrum  SupportedChain = "arbitrum"
	ChainOptimism  SupportedChain = "optimism"
	ChainPolygon   SupportedChain = "polygon"
	ChainBase      SupportedChain = "base"
	ChainAvalanche SupportedChain = "avalanche"
	ChainBSC       SupportedChain = "bsc"
	ChainGnosis    SupportedChain = "gnosis"
)

// SecondsPerYear is the 365-day year used for per-second rate compounding.
const SecondsPerYear = 365 * 24 * 60 * 60

// ChainInfo holds the read-only facts about a chain that normalization depends on
type ChainInfo struct {
	Slug        SupportedChain `yaml:"slug"`
	DisplayName string         `yaml:"display_name"`
	ChainID     int64          `yaml:"chain_id"`
	// BlockTime is the average block interval in seconds
	BlockTime float64  `yaml:"block_time"`
	PriceKey  string   `yaml:"price_key"`
	Aliases   []string `yaml:"aliases"`
}

// BlocksPerYear returns the expected number of blocks produced in a 365-day year
func (c ChainInfo) BlocksPerYear() float64 {
	if c.BlockTime <= 0 {
		return 0
	}
	return SecondsPerYear / c.BlockTime
}

// BlockInterval returns the average block time as a duration
func (c ChainInfo) BlockInterval() time.Duration {
	return time.Duration(c.BlockTime * float64(time.Second))
}

// String returns the chain slug
func (c SupportedChain) String() string {
	return string(c)
}

//go:embed chains.yaml
var chainsYAML []byte

var (
	loadOnce sync.Once
	loadErr  error
	bySlug   map[SupportedChain]ChainInfo
	byName   map[string]SupportedChain
	ordered  []ChainInfo
)

func load() {
	var chains []ChainInfo
	if err := yaml.Unmarshal(chainsYAML, &chains); err != nil {
		loadErr = fmt.Errorf("parse chain table: %w", err)
		return
	}
	bySlug = make(map[SupportedChain]ChainInfo, len(chains))
	byName = make(map[string]SupportedChain, len(chains)*4)
	for _, c := range chains {
		bySlug[c.Slug] = c
		byName[strings.ToLower(string(c.Slug))] = c.Slug
		byName[strings.ToLower(c.DisplayName)] = c.Slug
		for _, a := range c.Aliases {
			byName[strings.ToLower(a)] = c.Slug
		}
	}
	ordered = chains
}

// Lookup resolves a chain slug, alias, display name or numeric chain id
// (case-insensitive) to its ChainInfo
func Lookup(name string) (ChainInfo, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return ChainInfo{}, loadErr
	}
	slug, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ChainInfo{}, fmt.Errorf("unknown chain %q", name)
	}
	return bySlug[slug], nil
}

// MustLookup is Lookup for static tables; it panics on unknown chains
func MustLookup(name string) ChainInfo {
	info, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return info
}

// All returns every chain in table order
func All() []ChainInfo {
	loadOnce.Do(load)
	out := make([]ChainInfo, len(ordered))
	copy(out, ordered)
	return out
}
