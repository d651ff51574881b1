// Package events turns the launched entity's raw output into a sequenced,
// durable stream of engine events. Each output line is preserved verbatim in
// the raw capture; lines that parse as structured records are classified as
// status events (driving the state machine) or engine events (persisted with
// a gap-free counter and forwarded to subscribers in order).
package events

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/seantiz/overseer/internal/artifacts"
	"github.com/seantiz/overseer/internal/model"
)

const (
	// lineBufferSize bounds the background reader's channel so blocking
	// pipe reads never stall the supervisor tick loop.
	lineBufferSize = 256

	maxLineBytes = 1 << 20
)

// Lines reads r line by line on a background goroutine and delivers each line
// on the returned channel, which is closed when the stream reaches EOF.
func Lines(r io.Reader) <-chan string {
	ch := make(chan string, lineBufferSize)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// Subscriber observes engine events as they are parsed. The returned boolean
// controls retention: false discards the record from the artifact store, true
// keeps it. A subscriber that panics is isolated and never discards.
type Subscriber interface {
	OnEvent(rec model.EventRecord) bool
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(model.EventRecord) bool

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(rec model.EventRecord) bool { return f(rec) }

// ParserConfig wires a Parser to its collaborators.
type ParserConfig struct {
	Ident       string
	Artifacts   *artifacts.Dir
	Subscribers []Subscriber
	Broker      *Broker
	OnStatus    func(status string)
	Logger      *slog.Logger
}

// Parser consumes output lines for one job and produces EventRecords.
// It is driven by a single goroutine (the coordinator's drain loop) and
// assigns counters starting at 0.
type Parser struct {
	cfg     ParserConfig
	counter int
}

// NewParser creates a parser for one job's output stream.
func NewParser(cfg ParserConfig) *Parser {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Parser{cfg: cfg}
}

// Counter returns the next counter to be assigned, which equals the number
// of events persisted so far.
func (p *Parser) Counter() int { return p.counter }

// HandleLine processes one raw output line: append it to the capture, then
// classify. A line that is not a structured record is preserved in the
// capture only — recoverable, never fatal. The returned error is non-nil only
// for artifact store failures, which are fatal to the run.
func (p *Parser) HandleLine(line string) error {
	start, end, err := p.cfg.Artifacts.AppendStdout(line)
	if err != nil {
		return err
	}

	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		p.cfg.Logger.Debug("unparseable output line preserved in capture",
			"ident", p.cfg.Ident, "line_offset", start)
		return nil
	}

	if status, ok := statusEvent(fields); ok {
		if p.cfg.OnStatus != nil {
			p.cfg.OnStatus(status)
		}
		return nil
	}

	rec := model.EventRecord{
		Counter:   p.counter,
		Kind:      model.EventKindEngine,
		UUID:      eventUUID(fields),
		StartLine: start,
		EndLine:   end,
		Payload:   json.RawMessage(trimmed),
	}

	keep := true
	for _, sub := range p.cfg.Subscribers {
		if !p.notify(sub, rec) {
			keep = false
		}
	}
	if !keep {
		// The discarded record's counter is reused by the next event so the
		// persisted sequence stays dense.
		return nil
	}

	if err := p.cfg.Artifacts.WriteEvent(&rec); err != nil {
		return err
	}
	p.counter++

	p.snapshotFacts(fields)

	if p.cfg.Broker != nil {
		p.cfg.Broker.Publish(p.cfg.Ident, rec)
	}
	return nil
}

// notify delivers one event to one subscriber, isolating panics so a broken
// subscriber cannot interrupt persistence or its peers.
func (p *Parser) notify(sub Subscriber, rec model.EventRecord) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("event subscriber panicked",
				"ident", p.cfg.Ident, "counter", rec.Counter, "panic", r)
			keep = true
		}
	}()
	return sub.OnEvent(rec)
}

// statusEvent reports whether the record is a status-only event: it carries a
// "status" field and no engine event envelope.
func statusEvent(fields map[string]json.RawMessage) (string, bool) {
	raw, ok := fields["status"]
	if !ok {
		return "", false
	}
	if _, hasEvent := fields["event"]; hasEvent {
		return "", false
	}
	if _, hasUUID := fields["uuid"]; hasUUID {
		return "", false
	}

	var status string
	if err := json.Unmarshal(raw, &status); err != nil || status == "" {
		return "", false
	}
	return status, true
}

// eventUUID reuses the engine-assigned uuid when present, otherwise mints one.
func eventUUID(fields map[string]json.RawMessage) string {
	if raw, ok := fields["uuid"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// factsEnvelope is the part of an engine event payload that carries gathered
// facts for one target.
type factsEnvelope struct {
	Host string                     `json:"host"`
	Res  map[string]json.RawMessage `json:"res"`
}

// snapshotFacts persists a fact-cache snapshot when the event payload carries
// gathered facts. Snapshot failures are logged, not fatal: the numbered event
// itself has already been persisted.
func (p *Parser) snapshotFacts(fields map[string]json.RawMessage) {
	raw, ok := fields["event_data"]
	if !ok {
		return
	}

	var env factsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Host == "" {
		return
	}
	facts, ok := env.Res["ansible_facts"]
	if !ok {
		return
	}

	if err := p.cfg.Artifacts.WriteFactCache(env.Host, facts); err != nil {
		p.cfg.Logger.Error("fact cache snapshot failed",
			"ident", p.cfg.Ident, "host", env.Host, "error", err)
	}
}
