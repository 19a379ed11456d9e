package logger // 订单服务的结构化日志

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger 全局日志实例，Init 之前为 zerolog 默认实例
	Logger = log.Logger
)

// Config 日志配置
type Config struct {
	Level        string `json:"level" yaml:"level"`                 // debug, info, warn, error
	Format       string `json:"format" yaml:"format"`               // json 或 pretty
	TimeFormat   string `json:"time_format" yaml:"time_format"`     // 时间戳格式
	ReportCaller bool   `json:"report_caller" yaml:"report_caller"` // 是否输出调用位置
	FilePath     string `json:"file_path" yaml:"file_path"`         // 非空时同时写入文件
}

// Init 根据配置初始化全局日志，返回文件句柄的关闭函数
func Init(config Config) (func() error, error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.TimeFormat == "" {
		zerolog.TimeFieldFormat = time.RFC3339
	} else {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	var output io.Writer = os.Stdout
	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: config.TimeFormat,
		}
	}

	closer := func() error { return nil }
	if config.FilePath != "" {
		f, err := os.OpenFile(config.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return closer, fmt.Errorf("无法打开日志文件 %s: %w", config.FilePath, err)
		}
		output = zerolog.MultiLevelWriter(output, f)
		closer = f.Close
	}

	Logger = New(output, level, config.ReportCaller)
	log.Logger = Logger
	return closer, nil
}

// New 基于给定输出创建日志实例，测试中常配合 io.Discard 或 bytes.Buffer 使用
func New(w io.Writer, level zerolog.Level, reportCaller bool) zerolog.Logger {
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if reportCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component 为全局日志派生带组件名的子日志
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

