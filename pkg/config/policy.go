package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/eligibility"
)

// SupportedPolicyVersions is the range of policy file versions this build reads.
const SupportedPolicyVersions = "^1"

// Policy is the deployment policy: which chains credentials may be
// attested on, which reward statuses are eligible, and feature label
// overrides.
type Policy struct {
	Version            string            `yaml:"version" json:"version"`
	Chains             []attest.Chain    `yaml:"chains" json:"chains"`
	RewardStatusPolicy string            `yaml:"rewardStatusPolicy" json:"rewardStatusPolicy"`
	Labels             map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:            "1.0.0",
		Chains:             attest.DefaultChains(),
		RewardStatusPolicy: eligibility.DefaultRewardStatusExpr,
	}
}

// LoadPolicy reads a policy file. An empty path yields DefaultPolicy.
// Chains in the file replace built-in chains with the same id.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.RewardStatusPolicy) == "" {
		p.RewardStatusPolicy = eligibility.DefaultRewardStatusExpr
	}
	chains, err := mergeChains(attest.DefaultChains(), p.Chains)
	if err != nil {
		return nil, err
	}
	p.Chains = chains
	return &p, nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("policy: version is required")
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("policy: invalid version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("policy: version %s not supported (want %s)", version, SupportedPolicyVersions)
	}
	return nil
}

func mergeChains(base, overrides []attest.Chain) ([]attest.Chain, error) {
	byID := make(map[int64]attest.Chain, len(base)+len(overrides))
	for _, c := range base {
		byID[c.ID] = c
	}
	for i, c := range overrides {
		if c.ID <= 0 {
			return nil, fmt.Errorf("policy: chains[%d]: id must be positive", i)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("policy: chains[%d]: name is required", i)
		}
		if _, err := attest.ValidateAddress("easAddress", c.EASAddress); err != nil {
			return nil, fmt.Errorf("policy: chains[%d]: %w", i, err)
		}
		byID[c.ID] = c
	}
	out := make([]attest.Chain, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Registry returns the chain registry for the policy's chains.
func (p *Policy) Registry() *attest.Registry {
	return attest.NewRegistry(p.Chains...)
}

// StatusPolicy compiles the reward status expression.
func (p *Policy) StatusPolicy() (eligibility.StatusPolicy, error) {
	return eligibility.NewCELStatusPolicy(p.RewardStatusPolicy)
}

// LabelFunc resolves feature titles: the space's own title first, then the
// policy override, then the built-in default.
func (p *Policy) LabelFunc() attest.LabelFunc {
	if len(p.Labels) == 0 {
		return attest.FeatureLabel
	}
	return func(space credentials.Space, feature string) string {
		if strings.TrimSpace(space.FeatureTitles[feature]) == "" {
			if title, ok := p.Labels[feature]; ok && title != "" {
				space.FeatureTitles = map[string]string{feature: title}
			}
		}
		return attest.FeatureLabel(space, feature)
	}
}
