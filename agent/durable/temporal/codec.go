package temporal

import (
	"encoding/json"

	"go.temporal.io/sdk/activity"
)

func mustJSON(v any) []byte {
	if raw, ok := v.([]byte); ok {
		return raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

func unmarshalJSON(raw []byte, result any) error {
	return json.Unmarshal(raw, result)
}

func activityRegisterOptions(name string) activity.RegisterOptions {
	return activity.RegisterOptions{Name: name}
}
