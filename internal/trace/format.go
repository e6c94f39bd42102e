package trace

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Format is the encoding of written events.
type Format uint8

const (
	FormatAuto   Format = iota // pick from the output path
	FormatText                 // one human-readable line per event
	FormatNDJSON               // newline-delimited JSON
	FormatChrome               // chrome://tracing JSON array
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson":
		return FormatNDJSON, nil
	case "chrome":
		return FormatChrome, nil
	default:
		return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: auto|text|ndjson|chrome)", s)
	}
}

// formatFor resolves FormatAuto from the output path.
func formatFor(f Format, path string) Format {
	if f != FormatAuto {
		return f
	}
	switch {
	case strings.HasSuffix(path, ".ndjson"):
		return FormatNDJSON
	case strings.HasSuffix(path, ".json"):
		return FormatChrome
	default:
		return FormatText
	}
}

// FormatEvent encodes ev. Text and NDJSON records end with a newline;
// Chrome records are array elements without separators.
func FormatEvent(ev *Event, format Format) []byte {
	switch format {
	case FormatNDJSON:
		return formatNDJSON(ev)
	case FormatChrome:
		return formatChrome(ev)
	default:
		return formatText(ev)
	}
}

type jsonEvent struct {
	Time   string            `json:"time"`
	Seq    uint64            `json:"seq"`
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope"`
	Engine uint64            `json:"engine,omitempty"`
	Run    uint64            `json:"run,omitempty"`
	Depth  int               `json:"depth,omitempty"`
	Chunk  string            `json:"chunk,omitempty"`
	IP     int               `json:"ip,omitempty"`
	SpanID uint64            `json:"span,omitempty"`
	Name   string            `json:"name"`
	Detail string            `json:"detail,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func formatNDJSON(ev *Event) []byte {
	data, err := json.Marshal(jsonEvent{
		Time:   ev.Time.Format("2006-01-02T15:04:05.000000Z07:00"),
		Seq:    ev.Seq,
		Kind:   ev.Kind.String(),
		Scope:  ev.Scope.String(),
		Engine: ev.Engine,
		Run:    ev.Run,
		Depth:  ev.Depth,
		Chunk:  ev.Chunk,
		IP:     ev.IP,
		SpanID: ev.SpanID,
		Name:   ev.Name,
		Detail: ev.Detail,
		Extra:  ev.Extra,
	})
	if err != nil {
		return []byte(fmt.Sprintf("{\"seq\":%d,\"error\":%q}\n", ev.Seq, err.Error()))
	}
	return append(data, '\n')
}

// formatChrome encodes ev for the Trace Event Format. Each engine is a
// thread of process 1, so concurrent runs get separate tracks.
func formatChrome(ev *Event) []byte {
	ph := "i"
	switch ev.Kind {
	case KindSpanBegin:
		ph = "B"
	case KindSpanEnd:
		ph = "E"
	}
	args := maps.Clone(ev.Extra)
	if args == nil {
		args = map[string]string{}
	}
	if ev.Detail != "" {
		args["detail"] = ev.Detail
	}
	if ev.Chunk != "" {
		args["at"] = ev.Chunk + "+" + strconv.Itoa(ev.IP)
	}
	rec := map[string]any{
		"name": ev.Name,
		"cat":  ev.Scope.String(),
		"ph":   ph,
		"ts":   ev.Time.UnixMicro(),
		"pid":  1,
		"tid":  ev.Engine,
		"args": args,
	}
	if ph == "i" {
		rec["s"] = "t"
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return []byte(fmt.Sprintf("{\"name\":%q,\"ph\":\"i\",\"pid\":1}", err.Error()))
	}
	return data
}

const maxIndent = 16

// formatText renders
//
//	[seq] e<engine> <indent><glyph> scope:name (detail) @chunk+ip {k=v, ...}
//
// indented by frame depth.
func formatText(ev *Event) []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%6d] e%d ", ev.Seq, ev.Engine)
	if ev.Run > 0 {
		fmt.Fprintf(&sb, "r%d ", ev.Run)
	}
	sb.WriteString(strings.Repeat("  ", min(ev.Depth, maxIndent)))

	switch ev.Kind {
	case KindSpanBegin:
		sb.WriteString("→ ")
	case KindSpanEnd:
		sb.WriteString("← ")
	case KindPoint:
		sb.WriteString("• ")
	case KindHeartbeat:
		sb.WriteString("♡ ")
	case KindError:
		sb.WriteString("! ")
	}

	sb.WriteString(ev.Scope.String())
	sb.WriteString(":")
	sb.WriteString(ev.Name)
	if ev.Detail != "" {
		sb.WriteString(" (")
		sb.WriteString(ev.Detail)
		sb.WriteString(")")
	}
	if ev.Chunk != "" {
		fmt.Fprintf(&sb, " @%s+%d", ev.Chunk, ev.IP)
	}
	if len(ev.Extra) > 0 {
		sb.WriteString(" {")
		for i, k := range slices.Sorted(maps.Keys(ev.Extra)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(ev.Extra[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return []byte(sb.String())
}
