package service

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// TelemetryEmitter 是埋点上报的依赖面：发后即忘，绝不阻塞、绝不令流水线失败。
type TelemetryEmitter interface {
	Emit(event string, fields map[string]any)
}

type telemetryEvent struct {
	name   string
	fields map[string]any
}

// LogTelemetry 把事件异步写入进程日志。
// 缓冲满时直接丢弃新事件——丢埋点永远好过拖慢迁移。
type LogTelemetry struct {
	events    chan telemetryEvent
	closeOnce sync.Once
	done      chan struct{}
}

// NewLogTelemetry 构造 LogTelemetry 并启动后台写出协程。
func NewLogTelemetry(buffer int) *LogTelemetry {
	if buffer <= 0 {
		buffer = 256
	}

	t := &LogTelemetry{
		events: make(chan telemetryEvent, buffer),
		done:   make(chan struct{}),
	}
	go t.drain()
	return t
}

// Emit 投递一个事件；缓冲满时静默丢弃。
func (t *LogTelemetry) Emit(event string, fields map[string]any) {
	select {
	case t.events <- telemetryEvent{name: event, fields: fields}:
	default:
	}
}

// Close 停止接收并等待已入队事件写完。
func (t *LogTelemetry) Close() {
	t.closeOnce.Do(func() {
		close(t.events)
		<-t.done
	})
}

func (t *LogTelemetry) drain() {
	defer close(t.done)
	for event := range t.events {
		log.Printf("[telemetry] %s %s", event.name, formatFields(event.fields))
	}
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, fields[key]))
	}
	return strings.Join(parts, " ")
}
