package oraclewire

import (
	"encoding/json"
	"fmt"
)

// MaxPlayers is the fixed upper bound on players in one game; any player
// index field must lie in [0, MaxPlayers-1].
const MaxPlayers = 8

// Validate decides structural and semantic validity of a decoded envelope
// and produces a human-readable reason on failure.
//
// Validation is two-tiered: generic checks first (exact protocol version,
// known kind, data with a "type" key), then a per-kind, per-payload-type
// check against a closed table of specs. An unknown payload type for a
// known kind is an explicit failure, never silently accepted. Validate
// does not mutate the envelope and does not panic on malformed input.
func Validate(env *Envelope) (bool, string) {
	if env == nil {
		return false, "message cannot be nil"
	}

	if env.ProtocolVersion != ProtocolVersion {
		return false, fmt.Sprintf("incompatible protocol version: %q", env.ProtocolVersion)
	}

	if !env.Kind.Known() {
		return false, fmt.Sprintf("unknown message type: %q", env.Kind)
	}

	if env.Data == nil {
		return false, "data cannot be null"
	}

	payloadType := env.PayloadType()
	if payloadType == "" {
		return false, "missing 'type' field in data"
	}

	spec, ok := payloadSpecs[env.Kind][payloadType]
	if !ok {
		return false, fmt.Sprintf("unknown %s type: %q", env.Kind, payloadType)
	}

	for _, field := range spec.fields {
		value, present := env.Data[field.name]
		if !present {
			return false, "missing required field: " + field.name
		}
		if ok, reason := field.typ.check(field.name, value); !ok {
			return false, reason
		}
	}

	if spec.extra != nil {
		return spec.extra(env.Data)
	}
	return true, ""
}

type fieldType int

const (
	typeAny fieldType = iota
	typeString
	typeInt
	typeBool
	typeMap
	typeList
)

func (t fieldType) check(name string, value any) (bool, string) {
	switch t {
	case typeString:
		if _, ok := value.(string); !ok {
			return false, name + " must be a string"
		}
	case typeInt:
		if _, ok := asInt(value); !ok {
			return false, name + " must be an integer"
		}
	case typeBool:
		if _, ok := value.(bool); !ok {
			return false, name + " must be a boolean"
		}
	case typeMap:
		if _, ok := asMap(value); !ok {
			return false, name + " must be an object"
		}
	case typeList:
		if _, ok := asList(value); !ok {
			return false, name + " must be a list"
		}
	}
	return true, ""
}

type fieldSpec struct {
	name string
	typ  fieldType
}

type payloadSpec struct {
	fields []fieldSpec
	extra  func(data map[string]any) (bool, string)
}

// payloadSpecs is the closed set of protocol operations, keyed by kind then
// payload type. Adding an operation means adding a row here; nothing is
// dispatched on strings anywhere else.
var payloadSpecs = map[Kind]map[string]payloadSpec{
	KindRequest: {
		"get_action": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"requesting_player", typeInt},
				{"game_state", typeMap},
				{"legal_actions", typeList},
				{"decision_context", typeMap},
			},
			extra: checkRequestingPlayer,
		},
		"initialize_game": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"players", typeList},
			},
			extra: checkPlayers,
		},
		"session_end": {
			fields: []fieldSpec{
				{"game_id", typeString},
			},
		},
	},
	KindResponse: {
		"action_response": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"requesting_player", typeInt},
				{"success", typeBool},
				{"execution_time_ms", typeInt},
				{"claude_metadata", typeMap},
			},
			extra: func(data map[string]any) (bool, string) {
				if ok, reason := checkRequestingPlayer(data); !ok {
					return ok, reason
				}
				if success, _ := data["success"].(bool); success {
					if _, ok := asMap(data["action"]); !ok {
						return false, "action must be an object when success=true"
					}
				}
				return true, ""
			},
		},
		"game_ready": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"success", typeBool},
			},
		},
		"session_ended": {
			fields: []fieldSpec{
				{"game_id", typeString},
			},
		},
		"mana_payment_response": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"success", typeBool},
				{"tap_sources", typeList},
			},
		},
		"target_response": {
			fields: []fieldSpec{
				{"game_id", typeString},
				{"success", typeBool},
				{"targets", typeList},
			},
		},
	},
	KindNotification: {
		"welcome": {
			fields: []fieldSpec{
				{"server_version", typeString},
				{"protocol_version", typeString},
			},
			extra: func(data map[string]any) (bool, string) {
				version, _ := data["protocol_version"].(string)
				if version != ProtocolVersion {
					return false, fmt.Sprintf(
						"incompatible protocol version: %q vs %q", version, ProtocolVersion)
				}
				return true, ""
			},
		},
		"state_update": {
			fields: []fieldSpec{
				{"game_id", typeString},
			},
		},
	},
	KindError: {
		"error_response": {
			fields: []fieldSpec{
				{"error_code", typeString},
				{"error_message", typeString},
			},
		},
	},
}

func checkRequestingPlayer(data map[string]any) (bool, string) {
	player, _ := asInt(data["requesting_player"])
	if player < 0 || player >= MaxPlayers {
		return false, fmt.Sprintf("requesting_player out of range: %d", player)
	}
	return true, ""
}

func checkPlayers(data map[string]any) (bool, string) {
	players, _ := asList(data["players"])
	if len(players) < 1 || len(players) > MaxPlayers {
		return false, fmt.Sprintf("invalid number of players: %d", len(players))
	}

	for i, entry := range players {
		player, ok := asMap(entry)
		if !ok {
			return false, fmt.Sprintf("player %d must be an object", i)
		}
		index, present := player["index"]
		if !present {
			return false, fmt.Sprintf("player %d missing required field: index", i)
		}
		value, ok := asInt(index)
		if !ok {
			return false, fmt.Sprintf("player %d index must be an integer", i)
		}
		if value < 0 || value >= MaxPlayers {
			return false, fmt.Sprintf("player %d index out of range: %d", i, value)
		}
	}
	return true, ""
}

// asInt accepts the integer shapes a payload value can take after a trip
// through encoding/json (float64, json.Number) or when built in-process.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// asMap tolerates both map shapes: decoded JSON objects and in-process
// payloads built with typed helper maps.
func asMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}

// asList accepts decoded JSON arrays and the []map[string]any slices the
// Correlator builds in-process.
func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = entry
		}
		return out, true
	}
	return nil, false
}
