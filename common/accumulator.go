package common

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// accumulatorCore is a zapcore.Core that records formatted entries into the
// owning Common while accumulation is on.
type accumulatorCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	common *Common
}

func newAccumulatorCore(c *Common, level zapcore.Level) *accumulatorCore {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		NameKey:          "logger",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
	return &accumulatorCore{LevelEnabler: level, enc: enc, common: c}
}

func (a *accumulatorCore) With(fields []zapcore.Field) zapcore.Core {
	clone := a.enc.Clone()
	for i := range fields {
		fields[i].AddTo(clone)
	}
	return &accumulatorCore{LevelEnabler: a.LevelEnabler, enc: clone, common: a.common}
}

func (a *accumulatorCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if a.Enabled(ent.Level) && a.common.isAccumulating() {
		return ce.AddCore(ent, a)
	}
	return ce
}

func (a *accumulatorCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := a.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	a.common.record(strings.TrimRight(buf.String(), "\n"))
	buf.Free()
	return nil
}

func (a *accumulatorCore) Sync() error {
	return nil
}
