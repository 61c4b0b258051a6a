package apikey

import "encoding/json"

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func marshalRevoked(m map[string]bool) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalRevoked(raw []byte, out *map[string]bool) error {
	return json.Unmarshal(raw, out)
}
