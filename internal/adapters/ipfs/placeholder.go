package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"jobnode/internal/coordinator"
)

// PlaceholderClient 从本地目录读取与 CID 同名的文件，用于演练模式与测试。
type PlaceholderClient struct {
	Dir string
	log coordinator.Logger
}

// NewPlaceholderClient 创建基于本地文件的 IPFS 客户端占位实现。
func NewPlaceholderClient(dir string, log coordinator.Logger) *PlaceholderClient {
	return &PlaceholderClient{
		Dir: dir,
		log: coordinator.DefaultLogger(log),
	}
}

// Fetch 从磁盘加载制品字节，替代真实 IPFS 拉取。
func (p *PlaceholderClient) Fetch(ctx context.Context, cid string) ([]byte, error) {
	if p.Dir == "" {
		return nil, errors.New("artifact directory not configured")
	}
	if cid == "" {
		return nil, errors.New("empty cid")
	}
	if strings.ContainsAny(cid, `/\`) || cid == "." || cid == ".." {
		return nil, fmt.Errorf("invalid cid %q", cid)
	}
	path := filepath.Join(p.Dir, cid)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	p.log.Infof("loaded artifact %s (%d bytes) from %s", cid, len(data), p.Dir)
	return data, nil
}
