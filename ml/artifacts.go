package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ArtifactPaths locates the three files exported by training.
type ArtifactPaths struct {
	ModelType    string
	ModelPath    string
	FeaturesPath string
	MetadataPath string
}

// Artifacts is everything a Predictor needs. It is loaded once at startup
// and not modified afterwards.
type Artifacts struct {
	Model        Regressor
	FeatureNames []string
	Metadata     BoxCoxMetadata
}

func LoadArtifacts(paths ArtifactPaths) (*Artifacts, error) {
	model, err := LoadModel(paths.ModelType, paths.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	names, err := LoadFeatureNames(paths.FeaturesPath)
	if err != nil {
		return nil, fmt.Errorf("load feature names: %w", err)
	}
	meta, err := LoadBoxCoxMetadata(paths.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("load box-cox metadata: %w", err)
	}
	return &Artifacts{Model: model, FeatureNames: names, Metadata: meta}, nil
}

// LoadFeatureNames reads a JSON array of column names. An empty path falls
// back to FeatureNames.
func LoadFeatureNames(path string) ([]string, error) {
	if path == "" {
		return FeatureNames(), nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil, errors.New("feature list is empty")
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			return nil, errors.New("feature list contains an empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", name)
		}
		seen[name] = struct{}{}
	}
	return names, nil
}

// LoadBoxCoxMetadata reads a JSON object of {"name": {"lambda": l, "shift": s}}.
func LoadBoxCoxMetadata(path string) (BoxCoxMetadata, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta BoxCoxMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Validate checks that every pair is finite and the target entry exists.
func (m BoxCoxMetadata) Validate() error {
	if _, ok := m.Lookup(TargetName); !ok {
		return fmt.Errorf("metadata has no %q entry", TargetName)
	}
	for name, p := range m {
		if !isFinite(p.Lambda) || !isFinite(p.Shift) {
			return fmt.Errorf("metadata for %q is not finite", name)
		}
	}
	return nil
}
