package models

import "encoding/json"

// DecodeJSONColumn unmarshals a JSON-encoded database column into dst.
// A nil, empty, or malformed payload leaves dst untouched and reports false;
// corrupt serialized state is treated as absent rather than failing the read.
// Every JSON column in the store goes through this helper so the tolerance
// is uniform across call sites.
func DecodeJSONColumn(data []byte, dst any) bool {
	if len(data) == 0 {
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false
	}

	return true
}

// EncodeJSONColumn marshals src for storage in a JSON column. A nil src
// stores SQL NULL rather than the string "null".
func EncodeJSONColumn(src any) ([]byte, error) {
	if src == nil {
		return nil, nil
	}

	return json.Marshal(src)
}
