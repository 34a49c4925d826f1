package prune

import (
	"errors"
	"fmt"
)

// Config describes the architecture of a Network.
type Config struct {
	Channels   int   `yaml:"channels" json:"channels"`                 // Feature width of every stage
	Depth      int   `yaml:"depth" json:"depth"`                       // Block variant: total depth, split in halves around the clusters
	Depths     []int `yaml:"depths,omitempty" json:"depths,omitempty"` // Hourglass variant: point blocks per round, last entry for the final blocks
	Iterations int   `yaml:"iterations" json:"iterations"`             // Refinement stages after the initial one
	Clusters   int   `yaml:"clusters" json:"clusters"`                 // Soft clusters K
	// Bottleneck <= 0 selects the Block variant with plain correlation
	// blocks; > 0 selects the Hourglass variant whose correlation blocks
	// squeeze K through this width.
	Bottleneck         int   `yaml:"bottleneck" json:"bottleneck"`
	PosEnc             int   `yaml:"posEnc" json:"posEnc"`                       // Positional encoding bands, 0 disables
	UseRatio           bool  `yaml:"useRatio" json:"useRatio"`                   // Ratio-test side channel
	UseMutual          bool  `yaml:"useMutual" json:"useMutual"`                 // Mutual-match side channel
	UseAtt1            bool  `yaml:"useAtt1" json:"useAtt1"`                     // Attentive norm before pooling (Hourglass)
	UseAtt2            bool  `yaml:"useAtt2" json:"useAtt2"`                     // Attentive norm in the final blocks (Hourglass)
	UseGroupNorm       bool  `yaml:"useGroupNorm" json:"useGroupNorm"`           // Group instead of batch norm in point blocks (Hourglass)
	LocalAttention     bool  `yaml:"localAttention" json:"localAttention"`       // Sigmoid-renormalized rather than softmax attention
	Heads              int   `yaml:"heads" json:"heads"`                         // Attention heads
	Concat             bool  `yaml:"concat" json:"concat"`                       // Concatenate (vs sum) unpooled features
	LearnedTemperature bool  `yaml:"learnedTemperature" json:"learnedTemperature"` // Learn the assignment temperature
	Seed               int64 `yaml:"seed" json:"seed"`                           // Initialization seed
}

// DefaultConfig returns the reference architecture.
func DefaultConfig() Config {
	return Config{
		Channels:       128,
		Depth:          6,
		Depths:         []int{6, 6, 6},
		Iterations:     1,
		Clusters:       500,
		Bottleneck:     -1,
		LocalAttention: true,
		Heads:          1,
		Concat:         true,
		Seed:           1,
	}
}

// Hourglass reports whether the configuration selects the multi-round variant.
func (c Config) Hourglass() bool {
	return c.Bottleneck > 0
}

// SideChannels returns how many side-channel scalars each correspondence carries.
func (c Config) SideChannels() int {
	n := 0
	if c.UseRatio {
		n++
	}
	if c.UseMutual {
		n++
	}
	return n
}

// InputChannels returns the channel count of the initial stage input.
func (c Config) InputChannels() int {
	return 4 + 8*c.PosEnc + c.SideChannels()
}

// Validate checks that the configuration describes a buildable network.
func (c Config) Validate() error {
	var errs []error
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channels must be positive, got %d", c.Channels))
	}
	if c.Clusters <= 0 {
		errs = append(errs, fmt.Errorf("clusters must be positive, got %d", c.Clusters))
	}
	if c.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations must not be negative, got %d", c.Iterations))
	}
	if c.PosEnc < 0 {
		errs = append(errs, fmt.Errorf("posEnc must not be negative, got %d", c.PosEnc))
	}
	if c.Hourglass() {
		if len(c.Depths) < 2 {
			errs = append(errs, fmt.Errorf("depths needs at least 2 entries, got %d", len(c.Depths)))
		}
		for i, d := range c.Depths {
			if d < 1 {
				errs = append(errs, fmt.Errorf("depths[%d] must be at least 1, got %d", i, d))
			}
		}
		if (c.UseAtt1 || c.UseAtt2) && c.Heads < 1 {
			errs = append(errs, fmt.Errorf("heads must be at least 1 with attention, got %d", c.Heads))
		}
		if c.UseGroupNorm && c.Channels%normGroups != 0 {
			errs = append(errs, fmt.Errorf("channels must be a multiple of %d with group norm, got %d", normGroups, c.Channels))
		}
	} else if c.Depth < 2 {
		errs = append(errs, fmt.Errorf("depth must be at least 2, got %d", c.Depth))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid network config: %w", errors.Join(errs...))
	}
	return nil
}
