package contextmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EntityMarker separates the narrative summary from the entity list.
const EntityMarker = "---ENTITIES---"

// ErrMalformedSummary is returned for summaries that cannot be merged.
var ErrMalformedSummary = errors.New("malformed summary")

// ParseSummary splits a backend answer into the narrative and the entity
// map. The entity section may be "key: value" lines (optionally bulleted)
// or a JSON object. A missing marker means no entities.
func ParseSummary(raw string) (string, map[string]string, error) {
	narrative, section, found := strings.Cut(raw, EntityMarker)
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return "", nil, fmt.Errorf("%w: empty narrative", ErrMalformedSummary)
	}
	entities := map[string]string{}
	if !found {
		return narrative, entities, nil
	}

	section = strings.TrimSpace(section)
	section = strings.TrimPrefix(section, "```json")
	section = strings.TrimSuffix(strings.TrimPrefix(section, "```"), "```")
	section = strings.TrimSpace(section)
	if strings.HasPrefix(section, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(section), &obj); err != nil {
			return "", nil, fmt.Errorf("%w: entity JSON: %v", ErrMalformedSummary, err)
		}
		for k, v := range obj {
			k = strings.TrimSpace(k)
			if k == "" || v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				entities[k] = strings.TrimSpace(s)
				continue
			}
			b, _ := json.Marshal(v)
			entities[k] = string(b)
		}
		return narrative, entities, nil
	}

	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-* ")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		entities[key] = value
	}
	return narrative, entities, nil
}
