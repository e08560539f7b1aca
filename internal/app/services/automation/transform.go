package automation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// transformScriptTimeout bounds how long a single reaction_config
// transform_script may run, so a runaway or infinite-looping script can't
// wedge a worker goroutine indefinitely.
const transformScriptTimeout = 2 * time.Second

// TriggerTransformer runs a reaction's optional JavaScript transform_script
// against an Execution's TriggerData before it reaches the ReactionHandler,
// letting an owner reshape or derive fields (e.g. building a formatted
// message body) without needing a bespoke reaction per automation.
//
// reaction_config recognises:
//   - "transform_script": a JS expression assigned the trigger payload as
//     the global `trigger`; its return value becomes the new TriggerData.
//     Absent or blank, the payload passes through unchanged.
type TriggerTransformer struct{}

// Transform evaluates cfg's transform_script, if any, against data and
// returns the resulting Config. A script error is returned to the caller
// rather than silently discarded, since a broken transform means the
// reaction would otherwise run against unintended data.
func (TriggerTransformer) Transform(cfg domain.Config, data domain.Config) (domain.Config, error) {
	script, _ := cfg["transform_script"].(string)
	if script == "" {
		return data, nil
	}

	vm := goja.New()
	if err := vm.Set("trigger", vm.ToValue(map[string]any(data))); err != nil {
		return nil, fmt.Errorf("transform_script: binding trigger: %w", err)
	}

	timer := time.AfterFunc(transformScriptTimeout, func() {
		vm.Interrupt("transform_script exceeded its time budget")
	})
	defer timer.Stop()

	resultVal, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("transform_script: %w", err)
	}
	if resultVal == nil || goja.IsUndefined(resultVal) || goja.IsNull(resultVal) {
		return nil, fmt.Errorf("transform_script: must evaluate to an object, got none")
	}

	var result map[string]any
	switch v := resultVal.Export().(type) {
	case map[string]any:
		result = v
	default:
		jsonBytes, marshalErr := json.Marshal(v)
		if marshalErr == nil {
			_ = json.Unmarshal(jsonBytes, &result)
		}
	}
	if result == nil {
		return nil, fmt.Errorf("transform_script: must evaluate to an object, got %T", resultVal.Export())
	}
	return domain.Config(result), nil
}
