package contract

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed joblogger.abi.json
var jobLoggerABI []byte

var requiredMethods = []string{"jobCount", "jobs", "claimJob", "completeJob", "failJob", "withdrawRewards"}

// DefaultABI 返回内置的 JobLogger 合约 ABI。
func DefaultABI() (abi.ABI, error) {
	return ParseABI(jobLoggerABI)
}

// LoadABI 读取 ABI 文件；路径为空时使用内置 ABI。
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return DefaultABI()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi %s: %w", path, err)
	}
	parsed, err := ParseABI(raw)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("abi %s: %w", path, err)
	}
	return parsed, nil
}

// ParseABI 同时接受 Hardhat 构建产物（{"abi": [...]}）与裸 ABI 数组。
func ParseABI(raw []byte) (abi.ABI, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("decode artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("artifact has no abi field")
		}
		trimmed = artifact.ABI
	}
	parsed, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("abi is missing method %s", name)
		}
	}
	return parsed, nil
}
