package safety

import (
	"fmt"
	"strings"
	"sync"
)

// ActionTier is the risk classification of a tool call. Tiers are ordered:
// a higher tier is always at least as restricted as a lower one.
type ActionTier int

const (
	// TierGreen is read-only or monitoring. Always allowed.
	TierGreen ActionTier = iota
	// TierYellow is operational but reversible. Always allowed.
	TierYellow
	// TierRed is destructive or lifecycle-altering. Needs explicit confirmation.
	TierRed
	// TierBlack is unregistered or maximally destructive. Blocked even with
	// confirmation; only the session override lifts it.
	TierBlack
)

func (t ActionTier) String() string {
	switch t {
	case TierGreen:
		return "GREEN"
	case TierYellow:
		return "YELLOW"
	case TierRed:
		return "RED"
	default:
		return "BLACK"
	}
}

// MarshalText renders the tier by name so it reads well in JSON and YAML.
func (t ActionTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *ActionTier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (ActionTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GREEN":
		return TierGreen, nil
	case "YELLOW":
		return TierYellow, nil
	case "RED":
		return TierRed, nil
	case "BLACK":
		return TierBlack, nil
	}
	return TierBlack, fmt.Errorf("unknown action tier %q", s)
}

// defaultTiers is the built-in registry of operational tools.
var defaultTiers = map[string]ActionTier{
	// read-only
	"get_cluster_status": TierGreen,
	"list_nodes":         TierGreen,
	"get_node_status":    TierGreen,
	"list_vms":           TierGreen,
	"get_vm_status":      TierGreen,
	"list_containers":    TierGreen,
	"list_services":      TierGreen,
	"get_service_status": TierGreen,
	"get_logs":           TierGreen,
	"get_metrics":        TierGreen,
	"list_alerts":        TierGreen,
	"read_file":          TierGreen,
	"list_directory":     TierGreen,
	"ping_host":          TierGreen,
	"check_port":         TierGreen,

	// reversible operations
	"start_vm":        TierYellow,
	"start_container": TierYellow,
	"restart_service": TierYellow,
	"create_snapshot": TierYellow,
	"http_request":    TierYellow,
	"scan_network":    TierYellow,

	// lifecycle-altering
	"stop_vm":           TierRed,
	"restart_vm":        TierRed,
	"migrate_vm":        TierRed,
	"stop_container":    TierRed,
	"stop_service":      TierRed,
	"reboot_node":       TierRed,
	"rollback_snapshot": TierRed,
	"write_file":        TierRed,
	"run_command":       TierRed,

	// maximally destructive
	"delete_vm":         TierBlack,
	"destroy_container": TierBlack,
	"delete_snapshot":   TierBlack,
	"shutdown_node":     TierBlack,
	"wipe_storage":      TierBlack,
}

// DefaultTiers returns a copy of the built-in tool tiers.
func DefaultTiers() map[string]ActionTier {
	out := make(map[string]ActionTier, len(defaultTiers))
	for k, v := range defaultTiers {
		out[k] = v
	}
	return out
}

// Registry maps tool names to tiers. It is read-mostly; Classify is total.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]ActionTier
}

// NewRegistry builds a registry from the built-in tiers with the given
// overrides applied on top.
func NewRegistry(overrides map[string]ActionTier) *Registry {
	r := &Registry{tiers: DefaultTiers()}
	for name, tier := range overrides {
		r.tiers[name] = tier
	}
	return r
}

// Classify returns the tier of a tool. Unregistered names are BLACK.
func (r *Registry) Classify(toolName string) ActionTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tiers[toolName]; ok {
		return t
	}
	return TierBlack
}

// Register sets the tier for a tool.
func (r *Registry) Register(toolName string, tier ActionTier) {
	r.mu.Lock()
	r.tiers[toolName] = tier
	r.mu.Unlock()
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tiers)
}
