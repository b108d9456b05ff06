package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// runWasm executes a WASI module with the sandbox directory mounted as the
// guest root. The guest sees the same argv layout as a script:
// model, data path, output path. Stdout and stderr are discarded (wazero's
// default when no writer is configured).
func (e *Executor) runWasm(ctx context.Context, sb *Sandbox, prog Program) error {
	bin, err := os.ReadFile(sb.Path(prog.Model))
	if err != nil {
		return fmt.Errorf("read wasm: %w", err)
	}

	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.WasmMemoryPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(e.WasmMemoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	defer rt.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("init wasi: %w", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("model").
		WithArgs(prog.Model, "/"+prog.Data, "/"+prog.Output).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(sb.Dir, "/"))

	// Instantiation runs _start.
	mod, err := rt.InstantiateWithConfig(ctx, bin, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == 0 {
				return nil
			}
			return fmt.Errorf("%w: %d", ErrExit, exitErr.ExitCode())
		}
		return fmt.Errorf("instantiate wasm: %w", err)
	}
	return nil
}
