package merge

import (
	"encoding/json"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Maps merges source into target in place.
// Objects are merged key by key recursively. Arrays, scalars and nulls from source replace the target value.
func Maps(target, source map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any, len(source))
	}
	for key, sourceVal := range source {
		if targetVal, exists := target[key]; exists {
			targetMap, targetIsMap := targetVal.(map[string]any)
			sourceMap, sourceIsMap := sourceVal.(map[string]any)
			if targetIsMap && sourceIsMap {
				target[key] = Maps(targetMap, sourceMap)
				continue
			}
		}
		target[key] = sourceVal
	}
	return target
}

// JSON merges the source object into the target object and returns the encoded result.
func JSON(target, source json.RawMessage) (json.RawMessage, error) {
	var targetMap map[string]any
	var sourceMap map[string]any

	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetMap); err != nil {
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to unmarshal target JSON: %v", err)
		}
	}

	if err := json.Unmarshal(source, &sourceMap); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to unmarshal source JSON: %v", err)
	}

	merged, err := json.Marshal(Maps(targetMap, sourceMap))
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to marshal merged JSON: %v", err)
	}

	return merged, nil
}
