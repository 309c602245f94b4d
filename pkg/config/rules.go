package config

import (
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulesConfig holds the ordered rule groups that drive query classification
type RulesConfig struct {
	ManagementMarker string         `yaml:"management_marker"`
	BlockNetworks    []string       `yaml:"block_networks"`
	Redirect         RedirectConfig `yaml:"redirect"`
	ForcedSecondary  RuleList       `yaml:"forced_secondary"`
	ForcedPrimary    RuleList       `yaml:"forced_primary"`
	// Whitelist is the single combined list of older deployments. Its entries
	// are routed like ForcedSecondary.
	Whitelist RuleList `yaml:"whitelist"`
}

// RedirectConfig maps matching names to one fixed address
type RedirectConfig struct {
	Target string   `yaml:"target"`
	Items  RuleList `yaml:"items"`
}

// RuleList is a list of substrings. In YAML it may be written either as a
// sequence or as a newline-separated block string.
type RuleList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *RuleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*l = SplitLines(raw)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = clean(items)
		return nil
	default:
		return fmt.Errorf("line %d: rule list must be a sequence or a string", node.Line)
	}
}

// SplitLines splits a newline-separated list, trimming entries and dropping blanks.
func SplitLines(raw string) []string {
	return clean(strings.Split(raw, "\n"))
}

func clean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *RulesConfig) applyDefaults() {
	if r.ManagementMarker == "" {
		r.ManagementMarker = "opendns.com"
	}
	if len(r.BlockNetworks) == 0 {
		r.BlockNetworks = []string{"146.112.61.104/29"}
	}
}

// Validate validates the rule groups
func (r *RulesConfig) Validate() error {
	for _, cidr := range r.BlockNetworks {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("rules.block_networks: invalid CIDR %q: %w", cidr, err)
		}
	}

	if len(r.Redirect.Items) > 0 {
		ip := net.ParseIP(strings.TrimSpace(r.Redirect.Target))
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("rules.redirect.target must be an IPv4 address, got %q", r.Redirect.Target)
		}
	} else if r.Redirect.Target != "" && net.ParseIP(strings.TrimSpace(r.Redirect.Target)) == nil {
		return fmt.Errorf("rules.redirect.target is not an IP address: %q", r.Redirect.Target)
	}

	return nil
}

// SecondaryItems returns forced_secondary merged with the legacy whitelist.
func (r *RulesConfig) SecondaryItems() []string {
	out := make([]string, 0, len(r.ForcedSecondary)+len(r.Whitelist))
	out = append(out, r.ForcedSecondary...)
	out = append(out, r.Whitelist...)
	return out
}
