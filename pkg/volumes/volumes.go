package volumes

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opendx28/slicerhub/pkg/types"
)

// Kind is one logical persistent volume every user gets, bound at a
// well-known mount point inside the container.
type Kind struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

// defaultKinds is the built-in volume set. Volumes outlive containers and
// are reused across sessions of the same user.
var defaultKinds = []Kind{
	{Name: "cache_apt", MountPath: "/var/cache/apt"},
	{Name: "logs", MountPath: "/var/log"},
	{Name: "documents", MountPath: "/home/researcher/Documents"},
}

// Creator is the subset of the orchestrator capability set needed here.
type Creator interface {
	EnsureVolume(ctx context.Context, user, kind string) error
}

// Set is the enumerated volume kinds in effect for this hub instance.
type Set struct {
	kinds []Kind
}

// Load builds the volume set, reading kind overrides from the YAML file at
// path when non-empty. The file holds a list of {name, mountPath} entries.
func Load(path string) (*Set, error) {
	if path == "" {
		return &Set{kinds: defaultKinds}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume kinds file: %w", err)
	}

	var kinds []Kind
	if err := yaml.Unmarshal(data, &kinds); err != nil {
		return nil, fmt.Errorf("failed to parse volume kinds file: %w", err)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("volume kinds file %s defines no kinds", path)
	}
	for _, k := range kinds {
		if k.Name == "" || k.MountPath == "" {
			return nil, fmt.Errorf("volume kind entries need both name and mountPath")
		}
	}

	return &Set{kinds: kinds}, nil
}

// Name returns the backend volume name for a user and kind.
func Name(user, kind string) string {
	return user + "_" + kind
}

// Kinds returns the kinds in declaration order.
func (s *Set) Kinds() []Kind {
	return s.kinds
}

// EnsureAll idempotently creates every volume of the set for the user.
func (s *Set) EnsureAll(ctx context.Context, c Creator, user string) error {
	for _, k := range s.kinds {
		if err := c.EnsureVolume(ctx, user, k.Name); err != nil {
			return fmt.Errorf("failed to ensure volume %s: %w", Name(user, k.Name), err)
		}
	}
	return nil
}

// Bindings returns the volume bindings for a user's container, in stable
// declaration order.
func (s *Set) Bindings(user string) []types.VolumeBinding {
	bindings := make([]types.VolumeBinding, 0, len(s.kinds))
	for _, k := range s.kinds {
		bindings = append(bindings, types.VolumeBinding{
			Volume:    Name(user, k.Name),
			MountPath: k.MountPath,
		})
	}
	return bindings
}
