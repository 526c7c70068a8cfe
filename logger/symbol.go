package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/autopost/sym"
)

// Symbol-aware wrappers. The glyph travels as a structured field, not in the message,
// which keeps logs queryable by symbol.
//
// Usage:
//
//	type Worker struct {
//	    pulseLog *zap.SugaredLogger
//	}
//	w.pulseLog = logger.AddPulseSymbol(base)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddReviewSymbol wraps a logger with the Review symbol (⚑)
func AddReviewSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Review)
}
