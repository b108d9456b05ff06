package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"time"
)

const (
	DefaultTimeout     = 900 * time.Second
	DefaultInterpreter = "python"
	// MaxOutputBytes is the ceiling on a job's result file.
	MaxOutputBytes = 100 << 20

	dataFileName = "data.csv"
	waitDelay    = 5 * time.Second
)

var (
	ErrTimeout        = errors.New("execution timed out")
	ErrExit           = errors.New("program exited with non-zero status")
	ErrOutputTooLarge = errors.New("output exceeds size limit")
	ErrNoOutput       = errors.New("program produced no output file")
)

var wasmMagic = []byte("\x00asm")

// Kind selects how a model program is run.
type Kind int

const (
	KindScript Kind = iota
	KindWasm
)

func (k Kind) String() string {
	if k == KindWasm {
		return "wasm"
	}
	return "script"
}

// DetectKind treats anything carrying the wasm binary magic as a wasm module.
func DetectKind(model []byte) Kind {
	if bytes.HasPrefix(model, wasmMagic) {
		return KindWasm
	}
	return KindScript
}

// Program names the staged files inside a sandbox.
type Program struct {
	Kind   Kind
	Model  string
	Data   string
	Output string
}

// Result is a validated output artifact.
type Result struct {
	Path string
	Size int64
	Hash [32]byte
}

// HashHex returns the hex-encoded SHA-256 of the output.
func (r Result) HashHex() string {
	return hex.EncodeToString(r.Hash[:])
}

// Executor runs a staged program with a wall-clock timeout and checks its output.
type Executor struct {
	Timeout        time.Duration
	Interpreter    string
	MaxOutputBytes int64
	// WasmMemoryPages caps wasm linear memory in 64KiB pages; zero keeps the runtime default.
	WasmMemoryPages uint32
}

// NewExecutor fills zero values with the node defaults.
func NewExecutor(timeout time.Duration, interpreter string) *Executor {
	e := &Executor{Timeout: timeout, Interpreter: interpreter}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if e.Interpreter == "" {
		e.Interpreter = DefaultInterpreter
	}
	e.MaxOutputBytes = MaxOutputBytes
	return e
}

// Stage writes the model and dataset into the sandbox.
func (e *Executor) Stage(sb *Sandbox, jobID string, model, data []byte) (Program, error) {
	prog := Program{
		Kind:   DetectKind(model),
		Model:  "model.py",
		Data:   dataFileName,
		Output: fmt.Sprintf("result_%s.txt", sanitizeName(jobID)),
	}
	if prog.Kind == KindWasm {
		prog.Model = "model.wasm"
	}
	if _, err := sb.WriteFile(prog.Model, model); err != nil {
		return Program{}, err
	}
	if _, err := sb.WriteFile(prog.Data, data); err != nil {
		return Program{}, err
	}
	return prog, nil
}

// Run executes prog and returns the hashed output. Oversized output is
// deleted before anything reads it.
func (e *Executor) Run(ctx context.Context, sb *Sandbox, prog Program) (Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch prog.Kind {
	case KindWasm:
		err = e.runWasm(runCtx, sb, prog)
	default:
		err = e.runScript(runCtx, sb, prog)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		return Result{}, err
	}

	limit := e.MaxOutputBytes
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return inspectOutput(sb.Path(prog.Output), limit)
}

func (e *Executor) runScript(ctx context.Context, sb *Sandbox, prog Program) error {
	interpreter := e.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	cmd := exec.CommandContext(ctx, interpreter, prog.Model, prog.Data, prog.Output)
	cmd.Dir = sb.Dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %d", ErrExit, exitErr.ExitCode())
		}
		return fmt.Errorf("run %s: %w", interpreter, err)
	}
	return nil
}

func inspectOutput(path string, limit int64) (Result, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, ErrNoOutput
	}
	if err != nil {
		return Result{}, fmt.Errorf("stat output: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("output %s is not a regular file", path)
	}
	if info.Size() > limit {
		if rmErr := os.Remove(path); rmErr != nil {
			return Result{}, fmt.Errorf("%w: %d bytes (remove failed: %v)", ErrOutputTooLarge, info.Size(), rmErr)
		}
		return Result{}, fmt.Errorf("%w: %d bytes > %d", ErrOutputTooLarge, info.Size(), limit)
	}

	sum, err := HashFile(path)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, Size: info.Size(), Hash: sum}, nil
}

// HashFile streams path through SHA-256.
func HashFile(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
