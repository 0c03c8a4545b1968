// Package seed injects test patterns into the system under test through its
// out-of-process event-bus publisher. The harness treats the command as an
// opaque fallible operation: exit status decides success, captured output is
// the diagnostic. No retries.
package seed

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MatchContext describes why a pattern matched.
type MatchContext struct {
	Type       string  `yaml:"type"`
	Confidence float64 `yaml:"confidence"`
	Source     string  `yaml:"source"`
}

// MatchedEvent is the event a pattern matched against. Action, Event and
// Intensity are alternatives; unset fields are omitted from the script.
type MatchedEvent struct {
	Type      string  `yaml:"type"`
	Action    string  `yaml:"action,omitempty"`
	Event     string  `yaml:"event,omitempty"`
	Intensity float64 `yaml:"intensity,omitempty"`
}

// Pattern is one pattern to publish on the service's event bus.
type Pattern struct {
	PatternID    string       `yaml:"pattern_id"`
	MatchContext MatchContext `yaml:"match_context"`
	MatchedEvent MatchedEvent `yaml:"matched_event"`
}

// BulkPattern is one entry of a patterns_extracted bulk publish.
type BulkPattern struct {
	Type       string  `yaml:"type"`
	Confidence float64 `yaml:"confidence"`
}

// Publisher runs the external publish command. Command is the argv prefix;
// the generated script is appended as the final argument.
type Publisher struct {
	Command []string
}

// DefaultCommand invokes the service's script runner directly.
var DefaultCommand = []string{"elixir", "-e"}

// NewPublisher returns a Publisher for the given command, falling back to
// DefaultCommand when none is configured.
func NewPublisher(command []string) *Publisher {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &Publisher{Command: command}
}

// Publish injects a single pattern. A non-zero exit fails with the command's
// combined output as diagnostic text.
func (p *Publisher) Publish(ctx context.Context, pattern Pattern) error {
	if err := p.run(ctx, patternScript(pattern)); err != nil {
		return fmt.Errorf("publishing pattern %s: %w", pattern.PatternID, err)
	}
	return nil
}

// PublishBulk injects a patterns_extracted batch.
func (p *Publisher) PublishBulk(ctx context.Context, patterns []BulkPattern, source string) error {
	if err := p.run(ctx, bulkScript(patterns, source)); err != nil {
		return fmt.Errorf("publishing bulk patterns: %w", err)
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, script string) error {
	args := append(append([]string(nil), p.Command[1:]...), script)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("seed command: %w", err)
		}
		return fmt.Errorf("seed command: %w: %s", err, msg)
	}
	return nil
}

// patternScript renders the event-bus publish script for one pattern.
func patternScript(p Pattern) string {
	var b strings.Builder
	b.WriteString(scriptPrelude)
	fmt.Fprintf(&b, "pattern = %%{\n")
	fmt.Fprintf(&b, "  pattern_id: %q,\n", p.PatternID)
	fmt.Fprintf(&b, "  match_context: %%{type: :%s, confidence: %g, source: :%s},\n",
		p.MatchContext.Type, p.MatchContext.Confidence, p.MatchContext.Source)
	fmt.Fprintf(&b, "  matched_event: %%{type: :%s, ", p.MatchedEvent.Type)
	if p.MatchedEvent.Action != "" {
		fmt.Fprintf(&b, "action: :%s, ", p.MatchedEvent.Action)
	}
	if p.MatchedEvent.Event != "" {
		fmt.Fprintf(&b, "event: :%s, ", p.MatchedEvent.Event)
	}
	if p.MatchedEvent.Intensity != 0 {
		fmt.Fprintf(&b, "intensity: %g, ", p.MatchedEvent.Intensity)
	}
	b.WriteString("timestamp: DateTime.utc_now()},\n")
	b.WriteString("  triggered_at: DateTime.utc_now()\n}\n")
	b.WriteString("EventBus.publish(:pattern_matched, pattern)\n")
	fmt.Fprintf(&b, "IO.puts(\"published %s\")\n", p.PatternID)
	return b.String()
}

// bulkScript renders a patterns_extracted batch publish.
func bulkScript(patterns []BulkPattern, source string) string {
	var b strings.Builder
	b.WriteString(scriptPrelude)
	b.WriteString("patterns = [\n")
	for _, p := range patterns {
		fmt.Fprintf(&b, "  %%{type: :%s, confidence: %g, timestamp: DateTime.utc_now()},\n",
			p.Type, p.Confidence)
	}
	b.WriteString("]\n")
	fmt.Fprintf(&b, "EventBus.publish(:patterns_extracted, %%{patterns: patterns, source: :%s})\n", source)
	b.WriteString("IO.puts(\"published bulk patterns\")\n")
	return b.String()
}

const scriptPrelude = `{:ok, _} = Application.ensure_all_started(:autonomous_opponent_core)
alias AutonomousOpponentV2Core.EventBus
`
