package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"notifyledger/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = jsonString(val)
	}
	assignKnown(fields, fields.Extras)
	return fields
}

// jsonString avoids exponent notation for large numeric ids and timestamps.
func jsonString(val interface{}) string {
	if f, ok := val.(float64); ok {
		if f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
	}
	return fmt.Sprint(val)
}
