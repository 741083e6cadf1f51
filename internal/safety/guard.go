package safety

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ─── Protected resources (enforced regardless of tier, confirmation or override) ───

// Match is the result of a protected-resource check.
type Match struct {
	Protected bool   `json:"protected"`
	Reason    string `json:"reason,omitempty"`
}

// Guard flags arguments that reference protected resources. Over-blocking is
// acceptable, missing a reference is not.
type Guard struct {
	vmIDs    map[string]struct{}
	services []string // lowercase, longest first
}

// Argument keys that carry a service or unit name.
var serviceKeys = map[string]struct{}{
	"service": {}, "servicename": {}, "name": {}, "unit": {}, "units": {},
	"services": {}, "container": {}, "containername": {}, "target": {},
}

// NewGuard builds a guard for the given VM ids and service names.
func NewGuard(vmIDs, services []string) *Guard {
	g := &Guard{vmIDs: make(map[string]struct{}, len(vmIDs))}
	for _, id := range vmIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			g.vmIDs[id] = struct{}{}
		}
	}
	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			g.services = append(g.services, s)
		}
	}
	sort.Slice(g.services, func(i, j int) bool { return len(g.services[i]) > len(g.services[j]) })
	return g
}

// IsProtectedResource inspects tool arguments, recursing into nested maps and
// slices. Every scalar is checked for protected VM ids as a standalone token
// whatever its key, and every string is scanned for protected service names.
func (g *Guard) IsProtectedResource(args map[string]interface{}) Match {
	if g == nil || len(args) == 0 {
		return Match{}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m := g.inspect(k, args[k], 0); m.Protected {
			return m
		}
	}
	return Match{}
}

const maxGuardDepth = 16

func (g *Guard) inspect(key string, value interface{}, depth int) Match {
	if depth > maxGuardDepth {
		// Refuse to reason about pathologically nested input.
		return Match{Protected: true, Reason: "arguments nested too deeply to verify protected resources"}
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for k, inner := range v {
			if m := g.inspect(k, inner, depth+1); m.Protected {
				return m
			}
		}
		return Match{}
	case []interface{}:
		for _, inner := range v {
			if m := g.inspect(key, inner, depth+1); m.Protected {
				return m
			}
		}
		return Match{}
	case []string:
		for _, inner := range v {
			if m := g.inspect(key, inner, depth+1); m.Protected {
				return m
			}
		}
		return Match{}
	}

	s, ok := scalarString(value)
	if !ok {
		return Match{}
	}
	nk := normaliseKey(key)

	if id, hit := g.matchVMID(s); hit {
		if isIDKey(nk) {
			return Match{Protected: true, Reason: fmt.Sprintf("VM %s is a protected resource (argument %q)", id, key)}
		}
		return Match{Protected: true, Reason: fmt.Sprintf("argument %q references protected VM %s", key, id)}
	}
	if _, isSvc := serviceKeys[nk]; isSvc {
		if svc, hit := g.matchServiceName(s); hit {
			return Match{Protected: true, Reason: fmt.Sprintf("service %s is a protected resource (argument %q)", svc, key)}
		}
	}
	if svc, hit := g.containsService(s); hit {
		return Match{Protected: true, Reason: fmt.Sprintf("argument %q references protected service %s", key, svc)}
	}
	return Match{}
}

// matchVMID looks for a protected id as a standalone token, so "103",
// "vm-103", "101,103" and "qm stop 103" all match while "1030" does not.
func (g *Guard) matchVMID(s string) (string, bool) {
	for _, tok := range splitTokens(s) {
		if _, ok := g.vmIDs[tok]; ok {
			return tok, true
		}
	}
	return "", false
}

// matchServiceName accepts the bare name or the name followed by any suffix
// (ai-operator.service, ai-operator@1).
func (g *Guard) matchServiceName(s string) (string, bool) {
	ls := strings.ToLower(strings.TrimSpace(s))
	for _, svc := range g.services {
		if strings.HasPrefix(ls, svc) {
			return svc, true
		}
	}
	return "", false
}

func (g *Guard) containsService(s string) (string, bool) {
	ls := strings.ToLower(s)
	for _, svc := range g.services {
		if strings.Contains(ls, svc) {
			return svc, true
		}
	}
	return "", false
}

// VMIDs returns the protected VM ids, sorted.
func (g *Guard) VMIDs() []string {
	out := make([]string, 0, len(g.vmIDs))
	for id := range g.vmIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Services returns the protected service names.
func (g *Guard) Services() []string {
	return append([]string(nil), g.services...)
}

// isIDKey reports whether a normalised key names a guest (vmid, node_id,
// target_vmid, newid, guest). It only picks the wording of the reason.
func isIDKey(nk string) bool {
	return strings.Contains(nk, "id") || strings.Contains(nk, "vm") ||
		strings.Contains(nk, "guest") || strings.Contains(nk, "node")
}

func normaliseKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func scalarString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	}
	return "", false
}
