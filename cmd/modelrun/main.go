package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"jobnode/internal/sandbox"
)

type runConfig struct {
	modelPath   string
	dataPath    string
	outPath     string
	interpreter string
	timeout     time.Duration
	memoryPages uint32
	keep        bool
}

// main 在与节点相同的沙箱限制下本地运行一个模型程序，并打印结果哈希。
func main() {
	cfg := loadConfig()

	model, err := os.ReadFile(cfg.modelPath)
	if err != nil {
		log.Fatalf("read model from %s: %v", cfg.modelPath, err)
	}
	data, err := os.ReadFile(cfg.dataPath)
	if err != nil {
		log.Fatalf("read dataset from %s: %v", cfg.dataPath, err)
	}

	root, err := os.MkdirTemp("", "modelrun-")
	if err != nil {
		log.Fatalf("sandbox root: %v", err)
	}
	if !cfg.keep {
		defer os.RemoveAll(root)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	exec := sandbox.NewExecutor(cfg.timeout, cfg.interpreter)
	exec.WasmMemoryPages = cfg.memoryPages

	sb, err := sandbox.New(root, "local", time.Now())
	if err != nil {
		log.Fatalf("sandbox: %v", err)
	}
	prog, err := exec.Stage(sb, "local", model, data)
	if err != nil {
		log.Fatalf("stage: %v", err)
	}

	start := time.Now()
	res, err := exec.Run(ctx, sb, prog)
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("%s program failed after %s: %v", prog.Kind, elapsed.Round(time.Millisecond), err)
		if !cfg.keep {
			os.RemoveAll(root)
		}
		os.Exit(exitCode(err))
	}

	if cfg.outPath != "" {
		if err := copyFile(res.Path, cfg.outPath); err != nil {
			log.Fatalf("copy result: %v", err)
		}
	}
	if cfg.keep {
		log.Printf("sandbox kept at %s", sb.Dir)
	}
	log.Printf("%s program finished in %s, %d bytes output", prog.Kind, elapsed.Round(time.Millisecond), res.Size)
	fmt.Println(res.HashHex())
}

func loadConfig() runConfig {
	var cfg runConfig
	pflag.StringVarP(&cfg.modelPath, "model", "m", "", "model program (python script or wasm module)")
	pflag.StringVarP(&cfg.dataPath, "data", "d", "", "dataset file")
	pflag.StringVarP(&cfg.outPath, "out", "o", "", "copy the result file here")
	pflag.StringVar(&cfg.interpreter, "interpreter", sandbox.DefaultInterpreter, "interpreter for non-wasm models")
	pflag.DurationVar(&cfg.timeout, "timeout", sandbox.DefaultTimeout, "execution time limit")
	pflag.Uint32Var(&cfg.memoryPages, "wasm-memory-pages", 0, "wasm memory cap in 64KiB pages (0 = runtime default)")
	pflag.BoolVar(&cfg.keep, "keep", false, "keep the sandbox directory")
	pflag.Parse()

	if cfg.modelPath == "" || cfg.dataPath == "" {
		pflag.Usage()
		os.Exit(2)
	}
	return cfg
}

// exitCode 对应节点上报的错误码：超限为 4，其余执行失败为 1。
func exitCode(err error) int {
	if errors.Is(err, sandbox.ErrOutputTooLarge) {
		return 4
	}
	return 1
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
