package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/dil/internal/model"
)

// Label key constants define the Docker label keys used to persist
// sandbox metadata on containers. Labels are the only record of a
// sandbox: there is no external state file.
//
// All keys share the "dil." prefix to avoid collisions with labels set
// by other tools.
const (
	// LabelPrefix is the common prefix for all dil labels.
	LabelPrefix = "dil."

	// LabelManagedBy identifies containers created by the launcher.
	// Key: "dil.managed-by", Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelManifest stores the absolute manifest path.
	LabelManifest = LabelPrefix + "manifest"

	// LabelFingerprint stores the fingerprint of the installed manifest.
	LabelFingerprint = LabelPrefix + "manifest-fingerprint"

	// LabelImage stores the image reference the sandbox was created from.
	LabelImage = LabelPrefix + "image"

	// LabelPort stores the published host port.
	LabelPort = LabelPrefix + "port"

	// LabelWorkdir stores the host directory bind-mounted into the sandbox.
	LabelWorkdir = LabelPrefix + "workdir"

	// LabelCreatedAt stores the RFC3339 creation timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "dil"

// BuildLabels constructs the Docker label map for a sandbox spec.
func BuildLabels(spec SandboxSpec) map[string]string {
	created := spec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return map[string]string{
		LabelManagedBy:   ManagedByValue,
		LabelManifest:    spec.Manifest,
		LabelFingerprint: spec.Fingerprint,
		LabelImage:       spec.Image,
		LabelPort:        strconv.Itoa(spec.Port),
		LabelWorkdir:     spec.Workdir,
		// UTC keeps the value stable regardless of host timezone.
		LabelCreatedAt: created.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs sandbox metadata from container labels. It is
// the inverse of BuildLabels. Missing required labels are reported all
// at once.
func ParseLabels(labels map[string]string) (*model.SandboxInfo, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelManifest,
		LabelImage,
		LabelPort,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	port, err := strconv.Atoi(labels[LabelPort])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelPort, err)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return &model.SandboxInfo{
		Manifest:    labels[LabelManifest],
		Fingerprint: labels[LabelFingerprint],
		Image:       labels[LabelImage],
		Port:        port,
		CreatedAt:   createdAt,
		Labels:      labels,
	}, nil
}

// FilterLabels returns the label filter that selects launcher sandboxes.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}
