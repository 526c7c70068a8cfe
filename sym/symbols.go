// Package sym defines the glyphs autopost uses to tag log lines and CLI output.
// These symbols are stable across CLI output, logs and documentation.
package sym

// Queue lifecycle glyphs, one per job status family.
const (
	Draft     = "✎" // draft: enqueued, not yet placed in a slot
	Scheduled = "✦" // scheduled: holds a posting slot
	Posted    = "⟶" // posted: published exactly once
	Review    = "⚑" // review: parked for a human
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // dispatch cycles, rate limiting, retries
	PulseOpen  = "✿" // graceful startup with stale-claim recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// StatusGlyphs maps job status names to the glyph printed next to them.
var StatusGlyphs = map[string]string{
	"draft":            Draft,
	"scheduled":        Scheduled,
	"dispatching":      Pulse,
	"failed_retryable": Pulse,
	"posted":           Posted,
	"review":           Review,
}

// CommandToSymbol maps top-level CLI commands to the glyph shown in their help text.
var CommandToSymbol = map[string]string{
	"enqueue":  Draft,
	"schedule": Scheduled,
	"plan":     Scheduled,
	"reflow":   Scheduled,
	"process":  Pulse,
	"run":      Pulse,
	"review":   Review,
	"config":   AM,
	"import":   DB,
	"export":   DB,
	"backfill": DB,
}

// ForStatus returns the glyph for a job status, or a bullet for unknown values.
func ForStatus(status string) string {
	if g, ok := StatusGlyphs[status]; ok {
		return g
	}
	return "•"
}
