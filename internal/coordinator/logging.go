package coordinator

import (
	"log"
)

// stdLogger 把各级别日志写到标准库日志器，行首带 [INFO]/[WARN]/[ERROR] 标记。
// 协调器与各适配器（账本、网关、后端、日志存储）在未注入 Logger 时共用它。
type stdLogger struct{}

func (stdLogger) Infof(format string, args ...any)  { emit("INFO", format, args) }
func (stdLogger) Warnf(format string, args ...any)  { emit("WARN", format, args) }
func (stdLogger) Errorf(format string, args ...any) { emit("ERROR", format, args) }

func emit(level, format string, args []any) {
	log.Printf("["+level+"] "+format, args...)
}

// DefaultLogger 返回 l；l 为 nil 时退回标准库实现。
// 适配器构造函数统一经由它处理可选的 Logger 参数。
func DefaultLogger(l Logger) Logger {
	if l != nil {
		return l
	}
	return stdLogger{}
}
