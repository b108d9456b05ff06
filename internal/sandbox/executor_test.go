package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"testing"
	"time"
)

// Minimal wasm modules exporting _start.
var (
	wasmEmptyStart = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
	}
	wasmInfiniteLoop = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
	}
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func stageScript(t *testing.T, e *Executor, script string) (*Sandbox, Program) {
	t.Helper()
	sb, err := New(t.TempDir(), "job-7", time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = sb.Remove() })
	prog, err := e.Stage(sb, "job-7", []byte(script), []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	return sb, prog
}

func TestStageDetectsProgramKind(t *testing.T) {
	e := NewExecutor(time.Second, "sh")
	sb, err := New(t.TempDir(), "job-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	prog, err := e.Stage(sb, "job-1", []byte("print(1)"), []byte("x"))
	if err != nil {
		t.Fatalf("Stage script: %v", err)
	}
	if prog.Kind != KindScript || prog.Model != "model.py" || prog.Output != "result_job-1.txt" {
		t.Fatalf("unexpected script program %+v", prog)
	}

	prog, err = e.Stage(sb, "job-1", wasmEmptyStart, []byte("x"))
	if err != nil {
		t.Fatalf("Stage wasm: %v", err)
	}
	if prog.Kind != KindWasm || prog.Model != "model.wasm" {
		t.Fatalf("unexpected wasm program %+v", prog)
	}
	data, err := os.ReadFile(sb.Path(prog.Data))
	if err != nil || string(data) != "x" {
		t.Fatalf("dataset not staged: %q %v", data, err)
	}
}

func TestRunScript(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name      string
		script    string
		maxOutput int64
		wantErr   error
		wantOut   []byte
	}{
		{
			name:    "copies dataset",
			script:  `cat "$1" > "$2"`,
			wantOut: []byte("a,b\n1,2\n"),
		},
		{
			name:    "non-zero exit",
			script:  `exit 3`,
			wantErr: ErrExit,
		},
		{
			name:    "no output file",
			script:  `true`,
			wantErr: ErrNoOutput,
		},
		{
			name:      "output over ceiling",
			script:    `printf '0123456789abcdefghij' > "$2"`,
			maxOutput: 10,
			wantErr:   ErrOutputTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(5*time.Second, "sh")
			if tt.maxOutput > 0 {
				e.MaxOutputBytes = tt.maxOutput
			}
			sb, prog := stageScript(t, e, tt.script)

			res, err := e.Run(context.Background(), sb, prog)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if errors.Is(tt.wantErr, ErrOutputTooLarge) {
					if _, statErr := os.Stat(sb.Path(prog.Output)); !errors.Is(statErr, fs.ErrNotExist) {
						t.Fatalf("oversized output was not deleted: %v", statErr)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Hash != sha256.Sum256(tt.wantOut) {
				t.Fatalf("hash %s does not match expected output", res.HashHex())
			}
			if res.Size != int64(len(tt.wantOut)) {
				t.Fatalf("size = %d, want %d", res.Size, len(tt.wantOut))
			}
			onDisk, err := os.ReadFile(res.Path)
			if err != nil || !bytes.Equal(onDisk, tt.wantOut) {
				t.Fatalf("output on disk = %q, %v", onDisk, err)
			}
		})
	}
}

func TestRunScriptTimeout(t *testing.T) {
	requireShell(t)

	e := NewExecutor(200*time.Millisecond, "sh")
	sb, prog := stageScript(t, e, "sleep 10 & sleep 10\n")

	start := time.Now()
	_, err := e.Run(context.Background(), sb, prog)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s; process group was not killed", elapsed)
	}
}

func TestRunMissingInterpreter(t *testing.T) {
	e := NewExecutor(time.Second, "definitely-not-an-interpreter")
	sb, prog := stageScript(t, e, "x")
	_, err := e.Run(context.Background(), sb, prog)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestRunWasm(t *testing.T) {
	t.Run("exits without output", func(t *testing.T) {
		e := NewExecutor(5*time.Second, "")
		sb, err := New(t.TempDir(), "job-w", time.Now())
		if err != nil {
			t.Fatal(err)
		}
		prog, err := e.Stage(sb, "job-w", wasmEmptyStart, []byte("d"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.Run(context.Background(), sb, prog); !errors.Is(err, ErrNoOutput) {
			t.Fatalf("err = %v, want ErrNoOutput", err)
		}
	})

	t.Run("deadline closes the module", func(t *testing.T) {
		e := NewExecutor(200*time.Millisecond, "")
		sb, err := New(t.TempDir(), "job-w", time.Now())
		if err != nil {
			t.Fatal(err)
		}
		prog, err := e.Stage(sb, "job-w", wasmInfiniteLoop, []byte("d"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.Run(context.Background(), sb, prog); !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	})
}
