package resolve

import (
	"github.com/rotisserie/eris"

	"github.com/padron-mx/riesgo-cli/internal/blocking"
	"github.com/padron-mx/riesgo-cli/internal/similarity"
)

// Config tunes the clustering engine. Thresholds are hybrid-score
// cutoffs in [0,1]; confidences are the values written to the alias
// table for the grouping phases.
type Config struct {
	ExactNameConfidence      float64 `json:"exact_name_confidence" yaml:"exact_name_confidence" mapstructure:"exact_name_confidence"`
	CorporateGroupConfidence float64 `json:"corporate_group_confidence" yaml:"corporate_group_confidence" mapstructure:"corporate_group_confidence"`
	BusinessPrefixThreshold  float64 `json:"business_prefix_threshold" yaml:"business_prefix_threshold" mapstructure:"business_prefix_threshold"`
	PhoneticThreshold        float64 `json:"phonetic_threshold" yaml:"phonetic_threshold" mapstructure:"phonetic_threshold"`
	GenericTokenThreshold    float64 `json:"generic_token_threshold" yaml:"generic_token_threshold" mapstructure:"generic_token_threshold"`
	TransitiveThreshold      float64 `json:"transitive_threshold" yaml:"transitive_threshold" mapstructure:"transitive_threshold"`
	MaxClusterSize           int     `json:"max_cluster_size" yaml:"max_cluster_size" mapstructure:"max_cluster_size"`

	// GenericTokens raise the phonetic threshold when either name
	// contains one: generic trade words make unrelated vendors look
	// alike.
	GenericTokens []string `json:"generic_tokens" yaml:"generic_tokens" mapstructure:"generic_tokens"`

	// BusinessPrefixes gate the business_prefix phase to common holding
	// prefixes whose remainder identifies the entity.
	BusinessPrefixes []string `json:"business_prefixes" yaml:"business_prefixes" mapstructure:"business_prefixes"`

	// GenericGroupLabels are corporate-group values that identify
	// nobody and never form a group.
	GenericGroupLabels []string `json:"generic_group_labels" yaml:"generic_group_labels" mapstructure:"generic_group_labels"`

	Blocking blocking.Config    `json:"blocking" yaml:"blocking" mapstructure:"blocking"`
	Weights  similarity.Weights `json:"weights" yaml:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the production clustering setup.
func DefaultConfig() Config {
	return Config{
		ExactNameConfidence:      0.98,
		CorporateGroupConfidence: 0.95,
		BusinessPrefixThreshold:  0.92,
		PhoneticThreshold:        0.85,
		GenericTokenThreshold:    0.93,
		TransitiveThreshold:      0.85,
		MaxClusterSize:           500,
		GenericTokens: []string{
			"COMERCIALIZADORA", "CONSTRUCTORA", "DISTRIBUIDORA", "SERVICIOS",
			"GRUPO", "OPERADORA", "CONSULTORIA", "PROVEEDORA", "SUMINISTROS",
			"CORPORATIVO", "CONSTRUCCIONES", "TRANSPORTES",
		},
		BusinessPrefixes: []string{
			"GRUPO", "CORPORATIVO", "OPERADORA", "ADMINISTRADORA",
			"CONTROLADORA", "IMPULSORA", "PROMOTORA", "DESARROLLADORA",
		},
		GenericGroupLabels: []string{
			"VARIOS", "INDEPENDIENTE", "NO APLICA", "NINGUNO", "N/A", "SIN GRUPO",
		},
		Blocking: blocking.DefaultConfig(),
		Weights:  similarity.DefaultWeights(),
	}
}

// Validate checks thresholds, the cluster cap, and the embedded
// blocking and weight configs.
func (c Config) Validate() error {
	var errs []string

	check01 := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, name+" must be in (0,1]")
		}
	}
	check01("exact_name_confidence", c.ExactNameConfidence)
	check01("corporate_group_confidence", c.CorporateGroupConfidence)
	check01("business_prefix_threshold", c.BusinessPrefixThreshold)
	check01("phonetic_threshold", c.PhoneticThreshold)
	check01("generic_token_threshold", c.GenericTokenThreshold)
	check01("transitive_threshold", c.TransitiveThreshold)

	if c.GenericTokenThreshold < c.PhoneticThreshold {
		errs = append(errs, "generic_token_threshold must be >= phonetic_threshold")
	}
	if c.MaxClusterSize < 2 {
		errs = append(errs, "max_cluster_size must be >= 2")
	}
	if err := c.Blocking.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return eris.Errorf("resolve: invalid config: %s", joinErrs(errs))
	}
	return nil
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
