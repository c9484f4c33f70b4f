package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bailops/api/pkg/validator"
)

// RateLimitPolicySpec is one per-operation entry in the rate-limit policy
// file. Operations are stable logical identifiers (e.g. "missions.index"),
// not framework route names.
type RateLimitPolicySpec struct {
	Attempts      int `yaml:"attempts" validate:"required,gt=0"`
	WindowSeconds int `yaml:"window_seconds" validate:"required,gt=0"`
}

// RateLimitPolicyFile is the YAML schema for per-operation rate limits.
type RateLimitPolicyFile struct {
	Operations map[string]RateLimitPolicySpec `yaml:"operations"`
}

// UploadCategorySpec is one category entry in the upload policy file.
type UploadCategorySpec struct {
	AllowedMimeTypes []string `yaml:"allowed_mime_types" validate:"required,min=1"`
	MaxSizeBytes     int64    `yaml:"max_size_bytes" validate:"required,gt=0"`
}

// UploadPolicyFile is the YAML schema for upload category policies.
type UploadPolicyFile struct {
	Categories map[string]UploadCategorySpec `yaml:"categories"`
}

// LoadRateLimitPolicies reads and validates the per-operation policy table.
// A missing path returns an empty table so unrelated routes keep working on
// the default policy.
func LoadRateLimitPolicies(path string, v *validator.Validator) (*RateLimitPolicyFile, error) {
	if path == "" {
		return &RateLimitPolicyFile{Operations: map[string]RateLimitPolicySpec{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policy file: %w", err)
	}

	var file RateLimitPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rate limit policy file: %w", err)
	}
	if file.Operations == nil {
		file.Operations = map[string]RateLimitPolicySpec{}
	}

	for op, spec := range file.Operations {
		if err := v.Struct(spec); err != nil {
			return nil, fmt.Errorf("rate limit policy %q: %w", op, err)
		}
	}

	return &file, nil
}

// LoadUploadPolicies reads and validates the upload category table.
func LoadUploadPolicies(path string, v *validator.Validator) (*UploadPolicyFile, error) {
	if path == "" {
		return &UploadPolicyFile{Categories: map[string]UploadCategorySpec{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload policy file: %w", err)
	}

	var file UploadPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse upload policy file: %w", err)
	}
	if file.Categories == nil {
		file.Categories = map[string]UploadCategorySpec{}
	}

	for cat, spec := range file.Categories {
		if err := v.Struct(spec); err != nil {
			return nil, fmt.Errorf("upload policy %q: %w", cat, err)
		}
	}

	return &file, nil
}
