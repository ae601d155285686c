package bootstrap

import "context"

// Funcs adapts two functions to core.Bootstrapper. A nil function succeeds.
type Funcs struct {
	Full func(ctx context.Context) error
	Safe func(ctx context.Context) error
}

// RunFull implements core.Bootstrapper.
func (f Funcs) RunFull(ctx context.Context) error {
	if f.Full == nil {
		return nil
	}
	return f.Full(ctx)
}

// RunSafe implements core.Bootstrapper.
func (f Funcs) RunSafe(ctx context.Context) error {
	if f.Safe == nil {
		return nil
	}
	return f.Safe(ctx)
}
