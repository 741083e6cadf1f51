package safety

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: every name outside the registry classifies as BLACK.
func TestPropertyUnregisteredNamesAreBlack(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	r := NewRegistry(nil)
	properties.Property("unregistered tool names classify as BLACK", prop.ForAll(
		func(name string) bool {
			if _, known := defaultTiers[name]; known {
				return true
			}
			return r.Classify(name) == TierBlack
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// Property: arguments naming a protected resource are refused for every tool,
// confirmation and override combination.
func TestPropertyProtectedArgumentsNeverAllowed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	e := NewEngine(NewRegistry(nil), NewGuard([]string{"103"}, []string{"ai-operator"}), nil)

	tools := make([]interface{}, 0, len(defaultTiers)+1)
	for name := range defaultTiers {
		tools = append(tools, name)
	}
	tools = append(tools, "not_a_tool")

	protectedArgs := gen.OneConstOf(
		map[string]interface{}{"vmid": 103},
		map[string]interface{}{"vm_id": "103"},
		map[string]interface{}{"vmId": float64(103)},
		map[string]interface{}{"service": "ai-operator"},
		map[string]interface{}{"unit": "ai-operator.service"},
		map[string]interface{}{"command": "systemctl stop ai-operator"},
		map[string]interface{}{"command": "qm stop 103"},
		map[string]interface{}{"node_id": 103},
		map[string]interface{}{"target_vmid": 103},
		map[string]interface{}{"source_vmid": "103"},
		map[string]interface{}{"newid": 103},
		map[string]interface{}{"vmid_list": []interface{}{103}},
		map[string]interface{}{"guest": "103"},
	)

	properties.Property("protected resources are never allowed", prop.ForAll(
		func(tool string, args map[string]interface{}, confirmed, override bool) bool {
			v := e.CheckSafety(tool, args, confirmed, override)
			return !v.Allowed && v.Protected && v.Reason != ""
		},
		gen.OneConstOf(tools...),
		protectedArgs,
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: a disallowed verdict always carries a reason.
func TestPropertyDeniedVerdictsHaveReason(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	e := NewEngine(nil, NewGuard([]string{"103"}, nil), nil)

	properties.Property("reason populated when not allowed", prop.ForAll(
		func(tool string, vmid int, confirmed, override bool) bool {
			v := e.CheckSafety(tool, map[string]interface{}{"vmid": vmid}, confirmed, override)
			return v.Allowed || v.Reason != ""
		},
		gen.OneConstOf("get_cluster_status", "stop_vm", "delete_vm", "unknown"),
		gen.IntRange(95, 110),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
