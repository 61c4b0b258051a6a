package identity

import "encoding/json"

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func marshalEntries(entries []grantSnapshotEntry) ([]byte, error) {
	return json.Marshal(entries)
}

func unmarshalEntries(raw []byte, out *[]grantSnapshotEntry) error {
	return json.Unmarshal(raw, out)
}
