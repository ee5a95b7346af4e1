package pondsocket

import (
	"context"
	"encoding/json"
)

func mergeContexts(parent context.Context, contexts ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(parent)

	for _, inputCtx := range contexts {
		go func(childCtx context.Context) {
			select {
			case <-ctx.Done():
				return
			case <-childCtx.Done():
				cancelCause(childCtx.Err())
				return
			}
		}(inputCtx)
	}
	simpleCancel := func() {
		cancelCause(context.Canceled)
	}
	return ctx, simpleCancel
}

// parsePayload round-trips payload through JSON into v. Used to decode
// free-form payloads into caller-supplied structs.
func parsePayload(v interface{}, payload interface{}) error {
	marshaled, err := json.Marshal(payload)
	if err != nil {
		return wrapF(err, "failed to marshal payload: %v", err)
	}
	if err = json.Unmarshal(marshaled, v); err != nil {
		return wrapF(err, "failed to unmarshal payload: %v", err)
	}
	return nil
}

// parseAssigns coerces a payload into a string-keyed map. Non-map payloads
// yield an empty map.
func parseAssigns(payload interface{}) map[string]interface{} {
	if payload == nil {
		return make(map[string]interface{})
	}
	if m, ok := payload.(map[string]interface{}); ok {
		return copyMap(m)
	}
	var decoded map[string]interface{}
	if err := parsePayload(&decoded, payload); err != nil || decoded == nil {
		return make(map[string]interface{})
	}
	return decoded
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// mergeMaps shallow-merges src into a copy of dst. Keys in src win.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	merged := copyMap(dst)
	for k, v := range src {
		merged[k] = v
	}
	return merged
}
