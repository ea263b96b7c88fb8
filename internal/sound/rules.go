// Package sound implements the Sound Engine (spec §4.6): stateless per-line
// evaluation of a rule document against upstream lines, producing ordered
// SoundOp events. The rule document format is a narrow subset of an embedded
// scripting dialect (spec §9): only play, stop, delay, pan, volume, channel
// and sound_id calls are recognized; anything else is logged and skipped,
// never fatal (spec §7, RULE_PARSE_ERROR).
package sound

import (
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// document is the raw YAML shape of a rule document (spec §6).
type document struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Trigger string           `yaml:"trigger"`
	Gag     bool             `yaml:"gag"`
	Send    []map[string]any `yaml:"send"`
}

// call is one step of a compiled rule's send block: a recognized name
// (play, stop, delay, pan, volume, channel, sound_id) plus its scalar
// argument. Unrecognized names are logged at load time and not compiled
// into calls.
type call struct {
	name  string
	value any
}

// rule is a compiled, ready-to-evaluate rule.
type rule struct {
	trigger *regexp.Regexp
	gag     bool
	send    []call
}

// recognizedCalls is the closed set of send-block call names the engine
// will execute (spec §4.6/§9). Everything else is a no-op, logged once at
// load time so a typo in a rule file doesn't silently do nothing forever.
var recognizedCalls = map[string]bool{
	"play": true, "stop": true, "delay": true,
	"pan": true, "volume": true, "channel": true, "sound_id": true,
}

// Load reads and compiles a rule document from path. A rule whose trigger
// fails to compile is skipped with a warning log; the rest of the document
// still loads (spec §7, RULE_PARSE_ERROR).
func Load(path string, logger zerolog.Logger) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rule document: %w", err)
	}

	engine := &Engine{logger: logger}
	for i, rr := range doc.Rules {
		compiled, err := compileRule(rr, logger)
		if err != nil {
			logger.Warn().Int("rule_index", i).Err(err).Msg("skipping rule with invalid trigger")
			continue
		}
		engine.rules = append(engine.rules, compiled)
	}
	return engine, nil
}

func compileRule(rr rawRule, logger zerolog.Logger) (rule, error) {
	re, err := regexp.Compile(rr.Trigger)
	if err != nil {
		return rule{}, fmt.Errorf("compile trigger %q: %w", rr.Trigger, err)
	}

	calls := make([]call, 0, len(rr.Send))
	for _, step := range rr.Send {
		for name, value := range step {
			if !recognizedCalls[name] {
				logger.Warn().Str("call", name).Msg("ignoring unrecognized sound rule call")
				continue
			}
			calls = append(calls, call{name: name, value: value})
		}
	}
	return rule{trigger: re, gag: rr.Gag, send: calls}, nil
}
