package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Variable references use a restricted grammar: ${input.<name>} pulls from the
// run parameters, ${<stepId>.<outputName>} from recorded step outputs. There
// is no general expression evaluation; unresolved references become empty.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)+)\}`)

const secretPrefix = "secret:"

// SecretResolver decrypts named secrets at dispatch time. Implemented by the
// vault; nil disables secret references.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// resolveValue substitutes references in a single input value. When the whole
// value is one reference, the referenced value keeps its original type;
// otherwise references are interpolated into the string.
func resolveValue(raw string, params map[string]any, outputs map[string]any) any {
	if m := varPattern.FindStringSubmatch(raw); m != nil && m[0] == raw {
		if v, ok := lookupRef(m[1], params, outputs); ok {
			return v
		}
		return ""
	}

	return varPattern.ReplaceAllStringFunc(raw, func(match string) string {
		ref := match[2 : len(match)-1]
		v, ok := lookupRef(ref, params, outputs)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

func lookupRef(ref string, params map[string]any, outputs map[string]any) (any, bool) {
	if name, ok := strings.CutPrefix(ref, "input."); ok {
		v, found := params[name]
		return v, found
	}
	v, found := outputs[ref]
	return v, found
}

// resolveInputs builds the job payload for a step: variable substitution
// first, then secret references on the resulting string values.
func resolveInputs(step *StepDef, params map[string]any, outputs map[string]any, secrets SecretResolver) (map[string]any, error) {
	inputs := make(map[string]any, len(step.Inputs))
	for name, raw := range step.Inputs {
		value := resolveValue(raw, params, outputs)

		if s, ok := value.(string); ok && strings.HasPrefix(s, secretPrefix) {
			if secrets == nil {
				return nil, fmt.Errorf("step %s input %s references a secret but no vault is configured", step.ID, name)
			}
			plain, err := secrets.Resolve(strings.TrimPrefix(s, secretPrefix))
			if err != nil {
				return nil, fmt.Errorf("step %s input %s: %w", step.ID, name, err)
			}
			value = plain
		}
		inputs[name] = value
	}
	return inputs, nil
}
