package server

import (
	"context"
	"encoding/json"
	"fmt"
	"lavos-rpc/message"
)

// CodeNotFound is returned for calls to an operation the gateway does not serve.
const CodeNotFound = "PGRST202"

// ProcedureFunc serves one named operation. Returning a *message.ErrorInfo lets the
// procedure choose the error code seen by the caller.
type ProcedureFunc func(ctx context.Context, params map[string]any) (any, error)

// Typed adapts a function over a parameter struct into a ProcedureFunc. Parameters are
// decoded through JSON, so struct tags name them; a decode failure is reported with
// code 22023 (invalid_parameter_value).
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) ProcedureFunc {
	return func(ctx context.Context, raw map[string]any) (any, error) {
		var p P
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, message.NewError("22023", err.Error())
		}
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, message.NewError("22023", fmt.Sprintf("invalid parameters: %v", err))
		}
		return fn(ctx, p)
	}
}
