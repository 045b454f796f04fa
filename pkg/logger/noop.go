package logger

import (
	"context"

	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

type noop struct{}

// NewNoop returns a logger that discards every entry. Fatal does not exit.
func NewNoop() interfaces.Logger { return noop{} }

func (noop) Debug(string, ...interfaces.Field) {}
func (noop) Info(string, ...interfaces.Field) {}
func (noop) Warn(string, ...interfaces.Field) {}
func (noop) Error(string, ...interfaces.Field) {}
func (noop) Fatal(string, ...interfaces.Field) {}
func (n noop) WithContext(context.Context) interfaces.Logger { return n }
func (n noop) WithFields(...interfaces.Field) interfaces.Logger { return n }
