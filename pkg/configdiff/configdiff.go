// Package configdiff reduces a service's live configuration to a canonical,
// comparable form and diffs it against the config captured at the end of
// the last successful rollout — the signal behind the UI's "pending
// changes" banner and the rollout-required check ahead of deploy.
package configdiff

import (
	"fmt"
	"sort"

	"github.com/anchorhq/anchor/pkg/types"
)

// FieldDiff is one changed field between two canonical configs.
type FieldDiff struct {
	Field string
	From  string
	To    string
}

// Canonical reduces svc and its child rows to comparable form: ports sorted
// by port, replicas sorted by server id, secret keys and volume names
// sorted lexicographically.
func Canonical(svc *types.Service, ports []*types.ServicePort, replicas []*types.ServiceReplica, volumes []*types.ServiceVolume, secrets []*types.Secret) *types.CanonicalConfig {
	cfg := &types.CanonicalConfig{
		SourceType:  svc.SourceType,
		SourceRef:   svc.Image,
		HealthCheck: svc.HealthCheck,
	}

	for _, p := range ports {
		cfg.Ports = append(cfg.Ports, types.CanonicalPort{
			Port:           p.Port,
			IsPublic:       p.IsPublic,
			Domain:         p.Domain,
			Protocol:       p.Protocol,
			TLSPassthrough: p.TLSPassthrough,
		})
	}
	sort.Slice(cfg.Ports, func(i, j int) bool { return cfg.Ports[i].Port < cfg.Ports[j].Port })

	for _, r := range replicas {
		cfg.Replicas = append(cfg.Replicas, types.CanonicalReplica{ServerID: r.ServerID, Count: r.Count})
	}
	sort.Slice(cfg.Replicas, func(i, j int) bool { return cfg.Replicas[i].ServerID < cfg.Replicas[j].ServerID })

	for _, s := range secrets {
		cfg.SecretKeys = append(cfg.SecretKeys, s.Key)
	}
	sort.Strings(cfg.SecretKeys)

	for _, v := range volumes {
		cfg.Volumes = append(cfg.Volumes, v.Name)
	}
	sort.Strings(cfg.Volumes)

	return cfg
}

// Diff compares deployed (the config captured at the end of the last
// successful rollout, nil if the service has never deployed) against
// current, returning one FieldDiff per changed field. An empty result means
// the service has no pending changes.
func Diff(deployed, current *types.CanonicalConfig) []FieldDiff {
	if deployed == nil {
		return []FieldDiff{{Field: "source", From: "(none)", To: formatSource(current)}}
	}

	var diffs []FieldDiff

	if deployed.SourceType != current.SourceType || deployed.SourceRef != current.SourceRef {
		diffs = append(diffs, FieldDiff{Field: "source", From: formatSource(deployed), To: formatSource(current)})
	}
	if deployed.HealthCheck != current.HealthCheck {
		diffs = append(diffs, FieldDiff{Field: "healthCheck", From: fmt.Sprintf("%+v", deployed.HealthCheck), To: fmt.Sprintf("%+v", current.HealthCheck)})
	}
	if !portsEqual(deployed.Ports, current.Ports) {
		diffs = append(diffs, FieldDiff{Field: "ports", From: formatPorts(deployed.Ports), To: formatPorts(current.Ports)})
	}
	if !replicasEqual(deployed.Replicas, current.Replicas) {
		diffs = append(diffs, FieldDiff{Field: "replicas", From: formatReplicas(deployed.Replicas), To: formatReplicas(current.Replicas)})
	}
	if !stringsEqual(deployed.SecretKeys, current.SecretKeys) {
		diffs = append(diffs, FieldDiff{Field: "secrets", From: formatStrings(deployed.SecretKeys), To: formatStrings(current.SecretKeys)})
	}
	if !stringsEqual(deployed.Volumes, current.Volumes) {
		diffs = append(diffs, FieldDiff{Field: "volumes", From: formatStrings(deployed.Volumes), To: formatStrings(current.Volumes)})
	}

	return diffs
}

func formatSource(c *types.CanonicalConfig) string {
	return fmt.Sprintf("%s:%s", c.SourceType, c.SourceRef)
}

func portsEqual(a, b []types.CanonicalPort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatPorts(ports []types.CanonicalPort) string {
	return fmt.Sprintf("%+v", ports)
}

func replicasEqual(a, b []types.CanonicalReplica) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatReplicas(replicas []types.CanonicalReplica) string {
	return fmt.Sprintf("%+v", replicas)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatStrings(s []string) string {
	return fmt.Sprintf("%v", s)
}
