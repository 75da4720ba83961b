package lifecycle

import (
	"maps"
	"strconv"
	"strings"
)

// Label keys every user container carries.
const (
	LabelType              = "type"
	LabelContextVersionID  = "contextVersionId"
	LabelInstanceID        = "instanceId"
	LabelInstanceName      = "instanceName"
	LabelInstanceShortHash = "instanceShortHash"
	LabelOwnerUsername     = "ownerUsername"
	LabelCreatorGithubID   = "creatorGithubId"
	LabelOwnerGithubID     = "ownerGithubId"
)

// TypeUserContainer is the type label value of user-facing containers.
const TypeUserContainer = "user-container"

// UserLabels are the labels of a user container. Values are serialized to
// strings only by Map, at the daemon boundary.
type UserLabels struct {
	Type              string
	ContextVersionID  string
	InstanceID        string
	InstanceName      string
	InstanceShortHash string
	OwnerUsername     string
	CreatorGithubID   int64
	OwnerGithubID     int64
	// Extra labels are passed through; they cannot override required ones.
	Extra map[string]string
}

// MissingLabelsError lists required labels that were not set.
type MissingLabelsError struct {
	Labels []string
}

func (e *MissingLabelsError) Error() string {
	return "lifecycle: missing required container labels: " + strings.Join(e.Labels, ", ")
}

// Validate returns a *MissingLabelsError naming every unset required label.
func (l UserLabels) Validate() error {
	var missing []string
	for _, f := range []struct {
		key string
		set bool
	}{
		{LabelType, l.Type != ""},
		{LabelContextVersionID, l.ContextVersionID != ""},
		{LabelInstanceID, l.InstanceID != ""},
		{LabelInstanceName, l.InstanceName != ""},
		{LabelInstanceShortHash, l.InstanceShortHash != ""},
		{LabelOwnerUsername, l.OwnerUsername != ""},
		{LabelCreatorGithubID, l.CreatorGithubID != 0},
		{LabelOwnerGithubID, l.OwnerGithubID != 0},
	} {
		if !f.set {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return &MissingLabelsError{Labels: missing}
	}
	return nil
}

// Map serializes the labels for the daemon.
func (l UserLabels) Map() map[string]string {
	m := maps.Clone(l.Extra)
	if m == nil {
		m = make(map[string]string, 8)
	}
	m[LabelType] = l.Type
	m[LabelContextVersionID] = l.ContextVersionID
	m[LabelInstanceID] = l.InstanceID
	m[LabelInstanceName] = l.InstanceName
	m[LabelInstanceShortHash] = l.InstanceShortHash
	m[LabelOwnerUsername] = l.OwnerUsername
	m[LabelCreatorGithubID] = strconv.FormatInt(l.CreatorGithubID, 10)
	m[LabelOwnerGithubID] = strconv.FormatInt(l.OwnerGithubID, 10)
	return m
}
