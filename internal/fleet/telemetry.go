package fleet

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/t77yq/fleet-gate/internal/model"
)

// Backends report their capacity and occupancy under different field names
// depending on version. Each extractor is tried in order until one matches.

type intExtractor func(map[string]any) (int, bool)

type boolExtractor func(map[string]any) (bool, bool)

var slotCountExtractors = []intExtractor{
	intAt("total_slots"),
	intAt("totalSlots"),
	intAt("n_slots"),
	intAt("default_parallelism"),
	intAt("defaultParallelism"),
	intAt("default_generation_settings", "n_parallel"),
}

var processingExtractors = []boolExtractor{
	boolAt("is_processing"),
	boolAt("isProcessing"),
	boolAt("processing"),
	stateAt("state"),
}

var remainingExtractors = []intExtractor{
	intAt("n_remain"),
	intAt("remaining"),
	intAt("n_remaining"),
	intAt("next_token", "n_remain"),
	firstElemIntAt("next_token", "n_remain"),
}

// ParseSlotCount extracts the advertised slot count from a capability
// payload, falling back to fallback when no known field is present.
func ParseSlotCount(props map[string]any, fallback int) int {
	for _, extract := range slotCountExtractors {
		if n, ok := extract(props); ok && n > 0 {
			return n
		}
	}
	return fallback
}

// ParseSlots extracts slot occupancy from either a bare array of slot objects
// or an object with a "slots" array.
func ParseSlots(payload any) ([]model.Slot, error) {
	var items []any
	switch v := payload.(type) {
	case []any:
		items = v
	case map[string]any:
		raw, ok := v["slots"]
		if !ok {
			return nil, fmt.Errorf("slots payload has no slots field")
		}
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("slots field is %T, not an array", raw)
		}
		items = arr
	default:
		return nil, fmt.Errorf("unexpected slots payload type %T", payload)
	}

	slots := make([]model.Slot, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("slot %d is %T, not an object", i, item)
		}
		slots = append(slots, parseSlot(i, obj))
	}
	return slots, nil
}

func parseSlot(index int, obj map[string]any) model.Slot {
	remaining := 0
	for _, extract := range remainingExtractors {
		if n, ok := extract(obj); ok {
			remaining = n
			break
		}
	}
	// llama.cpp reports -1 for unbounded generation
	if remaining < 0 {
		remaining = 0
	}

	processing, found := false, false
	for _, extract := range processingExtractors {
		if b, ok := extract(obj); ok {
			processing, found = b, true
			break
		}
	}
	if !found {
		processing = remaining > 0
	}

	slot := model.Slot{
		Index: index,
		State: model.SlotStateIdle,
	}
	if processing {
		slot.State = model.SlotStateProcessing
		slot.RemainingWork = remaining
	}
	return slot
}

func lookup(obj map[string]any, path []string) (any, bool) {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func intAt(path ...string) intExtractor {
	return func(obj map[string]any) (int, bool) {
		v, ok := lookup(obj, path)
		if !ok {
			return 0, false
		}
		return toInt(v)
	}
}

func firstElemIntAt(arrayKey, key string) intExtractor {
	return func(obj map[string]any) (int, bool) {
		arr, ok := obj[arrayKey].([]any)
		if !ok || len(arr) == 0 {
			return 0, false
		}
		first, ok := arr[0].(map[string]any)
		if !ok {
			return 0, false
		}
		return intAt(key)(first)
	}
}

func boolAt(path ...string) boolExtractor {
	return func(obj map[string]any) (bool, bool) {
		v, ok := lookup(obj, path)
		if !ok {
			return false, false
		}
		b, ok := v.(bool)
		return b, ok
	}
}

// stateAt reads the numeric slot state older llama.cpp builds expose,
// where anything but zero means busy.
func stateAt(key string) boolExtractor {
	return func(obj map[string]any) (bool, bool) {
		n, ok := intAt(key)(obj)
		if !ok {
			return false, false
		}
		return n != 0, true
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
