// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/dynbatch/pkg/core/bucketing"
	"github.com/gomlx/dynbatch/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) by Config.Validate and by constructors given an invalid Config.
var ErrInvalidConfig = errors.New("invalid batching configuration")

// NumelPolicy selects how the element count of a bucket is estimated.
type NumelPolicy int

const (
	// PaddedNumel estimates the bucket numel as count * max_length, the size of the padded batch.
	PaddedNumel NumelPolicy = iota

	// SumNumel estimates the bucket numel as the sum of the example lengths, ignoring padding.
	SumNumel
)

// String implements fmt.Stringer.
func (p NumelPolicy) String() string {
	switch p {
	case PaddedNumel:
		return "padded"
	case SumNumel:
		return "sum"
	}
	return fmt.Sprintf("NumelPolicy(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p NumelPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *NumelPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "padded", "":
		*p = PaddedNumel
	case "sum":
		*p = SumNumel
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown numel_policy %q, valid values are \"padded\" or \"sum\"", text)
	}
	return nil
}

// OnClosePolicy selects what happens to buffered examples when a BucketedDataset is stopped with Done.
type OnClosePolicy int

const (
	// Drain flushes every non-empty bucket into (possibly under-target) batches that remain yieldable.
	Drain OnClosePolicy = iota

	// Discard drops the buffered examples.
	Discard
)

// String implements fmt.Stringer.
func (p OnClosePolicy) String() string {
	switch p {
	case Drain:
		return "drain"
	case Discard:
		return "discard"
	}
	return fmt.Sprintf("OnClosePolicy(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p OnClosePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OnClosePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "drain", "":
		*p = Drain
	case "discard":
		*p = Discard
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown on_close %q, valid values are \"drain\" or \"discard\"", text)
	}
	return nil
}

// Config holds the batching configuration.
//
// Bucket boundaries are inclusive upper bounds on the example length: with boundaries [128, 512] lengths
// 0..128 go to bucket 0, 129..512 to bucket 1 and anything longer to bucket 2. If BucketBoundaries is
// empty, they are derived from BucketStrategy up to BucketMaxLength (see bucketing.FromStrategy). If
// both are empty there is a single bucket.
type Config struct {
	// LengthKey is the example field holding its length.
	LengthKey string `json:"length_key" yaml:"length_key"`

	// TargetBatchNumel (T) is the numel at which a bucket is emitted.
	TargetBatchNumel int64 `json:"target_batch_numel" yaml:"target_batch_numel"`

	// MaxBatchNumel (M) is the hard cap on a batch numel. Only an example larger than M by itself
	// produces a batch over it.
	MaxBatchNumel int64 `json:"max_batch_numel" yaml:"max_batch_numel"`

	BucketBoundaries []int  `json:"bucket_boundaries,omitempty" yaml:"bucket_boundaries,omitempty"`
	BucketStrategy   string `json:"bucket_strategy,omitempty" yaml:"bucket_strategy,omitempty"`
	BucketMaxLength  int    `json:"bucket_max_length,omitempty" yaml:"bucket_max_length,omitempty"`

	NumelPolicy NumelPolicy `json:"numel_policy" yaml:"numel_policy"`

	// BufferSize is the capacity of the queue of batches between the producer goroutine and the consumer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	OnClose OnClosePolicy `json:"on_close" yaml:"on_close"`

	// NominalEpochLength (N) is the number of batches per nominal epoch, used by train.Looped.
	NominalEpochLength int `json:"nominal_epoch_length" yaml:"nominal_epoch_length"`
}

// DefaultConfig returns a configuration with sensible defaults: it still needs TargetBatchNumel
// and MaxBatchNumel tuned to the model memory.
func DefaultConfig() Config {
	return Config{
		LengthKey:          "length",
		TargetBatchNumel:   45_000,
		MaxBatchNumel:      60_000,
		BucketStrategy:     "pow2",
		BucketMaxLength:    4096,
		NumelPolicy:        PaddedNumel,
		BufferSize:         4,
		OnClose:            Drain,
		NominalEpochLength: 1000,
	}
}

// Validate checks the configuration, returning an error wrapping ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.LengthKey == "" {
		return errors.Wrap(ErrInvalidConfig, "length_key must be set")
	}
	if c.TargetBatchNumel <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "target_batch_numel must be > 0, got %d", c.TargetBatchNumel)
	}
	if c.MaxBatchNumel < c.TargetBatchNumel {
		return errors.Wrapf(ErrInvalidConfig, "max_batch_numel (%d) must be >= target_batch_numel (%d)",
			c.MaxBatchNumel, c.TargetBatchNumel)
	}
	if c.BufferSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffer_size must be >= 0, got %d", c.BufferSize)
	}
	if c.NominalEpochLength < 0 {
		return errors.Wrapf(ErrInvalidConfig, "nominal_epoch_length must be >= 0, got %d", c.NominalEpochLength)
	}
	if c.NumelPolicy != PaddedNumel && c.NumelPolicy != SumNumel {
		return errors.Wrapf(ErrInvalidConfig, "invalid numel_policy %s", c.NumelPolicy)
	}
	if c.OnClose != Drain && c.OnClose != Discard {
		return errors.Wrapf(ErrInvalidConfig, "invalid on_close %s", c.OnClose)
	}
	if _, err := c.Scheme(); err != nil {
		return err
	}
	return nil
}

// Scheme returns the bucket boundary scheme described by the configuration.
func (c *Config) Scheme() (bucketing.Scheme, error) {
	if len(c.BucketBoundaries) > 0 {
		scheme, err := bucketing.Boundaries(c.BucketBoundaries...)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "bucket_boundaries: %v", err)
		}
		return scheme, nil
	}
	strategy, err := bucketing.ParseStrategy(c.BucketStrategy)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "bucket_strategy: %v", err)
	}
	scheme, err := bucketing.FromStrategy(strategy, c.BucketMaxLength)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "bucket_strategy %q up to %d: %v", c.BucketStrategy, c.BucketMaxLength, err)
	}
	return scheme, nil
}

// LoadConfig reads a YAML configuration file (JSON, being a subset of YAML, is also accepted).
// Fields missing from the file keep the values of DefaultConfig. A leading "~" in path is expanded.
//
// The returned configuration is validated.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	path, err := fsutil.ExpandPath(path)
	if err != nil {
		return config, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	if err = yaml.Unmarshal(contents, &config); err != nil {
		return config, errors.Wrapf(err, "failed to parse configuration in %q", path)
	}
	if err = config.Validate(); err != nil {
		return config, errors.WithMessagef(err, "configuration in %q", path)
	}
	return config, nil
}

// String implements fmt.Stringer, in YAML format.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Config(<failed to marshal: %v>)", err)
	}
	return string(out)
}
