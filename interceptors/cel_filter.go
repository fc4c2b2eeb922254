package interceptors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// CELFilter passes messages for which a CEL expression evaluates to true.
//
// The expression sees these variables:
//
//	id        string               message ID
//	operation string               selected operation, "unknown" if none
//	headers   map(string, string)  message headers
//	body      dyn                  JSON body, or null when the body is not JSON
//
// For example: headers["tenant"] == "acme" && body.total > 100.0
type CELFilter struct {
	expression string
	program    cel.Program
}

// NewCELFilter compiles a boolean CEL expression
func NewCELFilter(expression string) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.DynType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("cel filter %q must evaluate to bool, got %s", expression, t)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &CELFilter{expression: expression, program: prg}, nil
}

// ShouldProcess implements MessageFilter
func (f *CELFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	var body interface{}
	if raw := msg.Body(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = nil
		}
	}

	out, _, err := f.program.ContextEval(ctx, map[string]interface{}{
		"id":        msg.ID(),
		"operation": OperationOf(msg),
		"headers":   msg.Headers(),
		"body":      body,
	})
	if err != nil {
		return false, fmt.Errorf("cel eval %q: %w", f.expression, err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel filter %q returned %T", f.expression, out.Value())
	}
	return pass, nil
}

// String returns the expression
func (f *CELFilter) String() string {
	return f.expression
}
