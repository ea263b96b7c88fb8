package sound

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"mudgate/internal/protocol"
)

// Engine holds a compiled rule document and evaluates it against lines.
type Engine struct {
	logger   zerolog.Logger
	rules    []rule
	registry *Registry
}

// NewEmpty returns an Engine with no rules, for tests and for a missing
// rule document (the broker still runs; it simply emits no sound events).
func NewEmpty() *Engine {
	return &Engine{}
}

// SetRegistry installs the asset registry used to resolve a play event's
// path (spec.md §6, supplemental "static assets" feature). A nil registry
// (the default) leaves play paths as literal, unresolved strings.
func (e *Engine) SetRegistry(r *Registry) {
	e.registry = r
}

// Result is the outcome of evaluating one line against the rule document.
type Result struct {
	Events []protocol.SoundOp
	Gag    bool // true if any matching rule requested the line be hidden
}

// accumulator tracks the channel/pan/volume/delay/sound_id state built up
// left-to-right by a rule's send block, per spec §4.6.
type accumulator struct {
	channel string
	delayMS int
	pan     float64
	volume  float64
	soundID string
}

// Evaluate tests every rule's trigger against line in declaration order. On
// a match it interprets the send block left-to-right, accumulating state and
// emitting one SoundOp per play/stop call. Events from all matching rules
// are concatenated in rule-declaration order (spec §4.6, "Deterministic
// ordering").
func (e *Engine) Evaluate(line string) Result {
	var result Result
	for _, r := range e.rules {
		m := r.trigger.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if r.gag {
			result.Gag = true
		}
		result.Events = append(result.Events, e.runSend(r.send, m)...)
	}
	return result
}

func (e *Engine) runSend(calls []call, groups []string) []protocol.SoundOp {
	acc := accumulator{volume: 100}
	var events []protocol.SoundOp

	for _, c := range calls {
		switch c.name {
		case "channel":
			acc.channel = toString(c.value)
		case "pan":
			acc.pan = toFloat(c.value)
		case "volume":
			acc.volume = toFloat(c.value)
		case "delay":
			acc.delayMS = toInt(c.value)
		case "sound_id":
			acc.soundID = toString(c.value)
		case "play":
			events = append(events, protocol.SoundOp{
				Action:  "play",
				Channel: acc.channel,
				Path:    e.registry.Resolve(interpolate(toString(c.value), groups)),
				DelayMS: acc.delayMS,
				Pan:     acc.pan,
				Volume:  acc.volume,
				SoundID: acc.soundID,
			})
		case "stop":
			events = append(events, protocol.SoundOp{
				Action:  "stop",
				Channel: acc.channel,
				Target:  interpolate(toString(c.value), groups),
				SoundID: acc.soundID,
			})
		}
	}
	return events
}

// interpolate substitutes %1…%9 in s with the corresponding regex capture
// group from groups (groups[0] is the whole match). Missing groups become
// the empty string.
func interpolate(s string, groups []string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+1 < len(s) && s[i+1] >= '1' && s[i+1] <= '9' {
			idx := int(s[i+1] - '0')
			if idx < len(groups) {
				b.WriteString(groups[idx])
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
