package schema

import "fmt"

// UpgradeFunc migrates a document from version N to N+1.
type UpgradeFunc func(data map[string]any) (map[string]any, error)

// clueStatesV1 maps the numeric states of version 1 clues to their names.
var clueStatesV1 = []string{"New", "Investigating", "Escalated", "Closed", "Ignored"}

func builtinUpgrades() map[string]map[int]UpgradeFunc {
	return map[string]map[int]UpgradeFunc{
		"teams":     {1: upgradeTeamV1},
		"equipment": {1: upgradeEquipmentV1},
		"clues":     {1: upgradeClueV1},
	}
}

// upgradeTeamV1 adds the removal tombstone and renames elapsed.
func upgradeTeamV1(data map[string]any) (map[string]any, error) {
	if _, ok := data["removed"]; !ok {
		data["removed"] = false
	}
	if v, ok := data["elapsed"]; ok {
		if _, exists := data["elapsedSeconds"]; !exists {
			data["elapsedSeconds"] = v
		}
		delete(data, "elapsed")
	}
	return data, nil
}

// upgradeEquipmentV1 turns the single team assignment into a list of
// assigned units and defaults the quantity to one.
func upgradeEquipmentV1(data map[string]any) (map[string]any, error) {
	ids := []any{}
	switch v := data["teamId"].(type) {
	case nil:
	case string:
		if v != "" {
			ids = append(ids, v)
		}
	default:
		return nil, fmt.Errorf("teamId: %w: %T", errField, v)
	}
	delete(data, "teamId")
	data["teamIds"] = ids

	if _, ok := data["quantity"]; !ok {
		data["quantity"] = 1
	}
	return data, nil
}

// upgradeClueV1 replaces the numeric state with its name.
func upgradeClueV1(data map[string]any) (map[string]any, error) {
	switch v := data["state"].(type) {
	case nil:
		data["state"] = clueStatesV1[0]
	case string:
	case float64:
		i := int(v)
		if float64(i) != v || i < 0 || i >= len(clueStatesV1) {
			return nil, fmt.Errorf("state %v out of range", v)
		}
		data["state"] = clueStatesV1[i]
	case int:
		if v < 0 || v >= len(clueStatesV1) {
			return nil, fmt.Errorf("state %d out of range", v)
		}
		data["state"] = clueStatesV1[v]
	default:
		return nil, fmt.Errorf("state: %w: %T", errField, v)
	}
	return data, nil
}
