package commands

import (
	"encoding/json"
)

// maxProbeDepth bounds the recursive envelope search below.
const maxProbeDepth = 6

// locateResponse digs the per-entity payload out of a return_response
// result. The hub's response envelope is not uniform across service
// domains: some calls nest the payload under result.response[entity_id],
// some under result[entity_id], some elsewhere entirely. That inconsistency
// is a documented integration hazard of the remote protocol, so this is a
// deliberate compatibility shim, not something to "fix" by assuming one
// shape. Strategies, in order:
//
//  1. result.response[entity_id]
//  2. result[entity_id]
//  3. bounded-depth search for the first object containing key
func locateResponse(result json.RawMessage, entityID, key string) (map[string]any, bool) {
	if len(result) == 0 {
		return nil, false
	}

	var envelope map[string]any
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, false
	}

	if response, ok := envelope["response"].(map[string]any); ok {
		if payload, ok := response[entityID].(map[string]any); ok {
			return payload, true
		}
	}

	if payload, ok := envelope[entityID].(map[string]any); ok {
		return payload, true
	}

	return findKeyed(envelope, key, maxProbeDepth)
}

// findKeyed walks the value tree looking for the first object that carries
// key, giving up below depth. Maps are searched before their children so
// the shallowest match wins.
func findKeyed(v any, key string, depth int) (map[string]any, bool) {
	if depth <= 0 || key == "" {
		return nil, false
	}

	switch node := v.(type) {
	case map[string]any:
		if _, ok := node[key]; ok {
			return node, true
		}
		for _, child := range node {
			if found, ok := findKeyed(child, key, depth-1); ok {
				return found, true
			}
		}
	case []any:
		for _, child := range node {
			if found, ok := findKeyed(child, key, depth-1); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// decodeField re-marshals one field of a located payload into dst.
func decodeField(payload map[string]any, key string, dst any) bool {
	field, ok := payload[key]
	if !ok {
		return false
	}
	data, err := json.Marshal(field)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}
