// Package hub resolves checkpoint identifiers against a local pretrained
// model cache laid out as models--<org>--<name>/{refs,snapshots}.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultRevision = "main"
	ModelIndexFile  = "model_index.json"
)

var ErrNotCached = errors.New("checkpoint not in local cache")

// CacheDir returns the model cache root.
func CacheDir() (string, error) {
	if env := os.Getenv("HF_HUB_CACHE"); env != "" {
		return env, nil
	}
	if env := os.Getenv("HF_HOME"); env != "" {
		return filepath.Join(env, "hub"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "huggingface", "hub"), nil
}

// Resolve returns the snapshot directory of a checkpoint such as
// "stabilityai/stable-diffusion-xl-base-1.0". revision may be a ref name or a
// commit hash; empty means main.
func Resolve(id, revision string) (string, error) {
	base, err := CacheDir()
	if err != nil {
		return "", err
	}
	return ResolveIn(base, id, revision)
}

// ResolveIn is Resolve against an explicit cache root.
func ResolveIn(base, id, revision string) (string, error) {
	org, name, ok := strings.Cut(id, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid checkpoint id: %q (must be org/name)", id)
	}
	if revision == "" {
		revision = DefaultRevision
	}

	repo := filepath.Join(base, "models--"+org+"--"+name)
	if _, err := os.Stat(repo); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", id, ErrNotCached)
		}
		return "", err
	}

	// A ref file holds the commit hash of the snapshot directory.
	commit := revision
	data, err := os.ReadFile(filepath.Join(repo, "refs", revision))
	switch {
	case err == nil:
		commit = strings.TrimSpace(string(data))
	case !os.IsNotExist(err):
		return "", err
	}

	snap := filepath.Join(repo, "snapshots", commit)
	if fi, err := os.Stat(snap); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%s@%s: snapshot %s: %w", id, revision, commit, ErrNotCached)
	}
	return snap, nil
}

// ModelIndex is the pipeline manifest at the root of a snapshot.
type ModelIndex struct {
	ClassName string
	// Components maps component name to its (library, class) pair.
	Components map[string][2]string
}

// ComponentNames lists the components in sorted order.
func (m *ModelIndex) ComponentNames() []string {
	names := make([]string, 0, len(m.Components))
	for n := range m.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadModelIndex parses model_index.json in dir.
func ReadModelIndex(dir string) (*ModelIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelIndexFile))
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ModelIndexFile, err)
	}

	idx := &ModelIndex{Components: map[string][2]string{}}
	if cls, ok := raw["_class_name"]; ok {
		if err := json.Unmarshal(cls, &idx.ClassName); err != nil {
			return nil, fmt.Errorf("parse _class_name: %w", err)
		}
	}
	if idx.ClassName == "" {
		return nil, fmt.Errorf("%s: missing _class_name", ModelIndexFile)
	}
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		// Unset components are stored as [null, null].
		var pair [2]*string
		if err := json.Unmarshal(v, &pair); err != nil || pair[0] == nil || pair[1] == nil {
			continue
		}
		idx.Components[k] = [2]string{*pair[0], *pair[1]}
	}
	return idx, nil
}

// ClassName resolves id and reads its pipeline class name.
func ClassName(id, revision string) (string, error) {
	dir, err := Resolve(id, revision)
	if err != nil {
		return "", err
	}
	idx, err := ReadModelIndex(dir)
	if err != nil {
		return "", err
	}
	return idx.ClassName, nil
}
