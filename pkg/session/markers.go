package session

import (
	"regexp"
	"strings"

	"github.com/kadirpekel/agentorch/pkg/multiplexer"
)

// markerState is the paired-marker parser's state per turn.
type markerState int

const (
	stateOutside markerState = iota
	stateThinking
	stateSummary
)

const (
	thinkingOpen  = "[THINKING]"
	thinkingClose = "[/THINKING]"
	summaryOpen   = "[SUMMARY]"
	summaryClose  = "[/SUMMARY]"
	responseOpen  = "[RESPONSE]"
)

// Emission is one classified slice of output the marker parser hands to
// the OutputMultiplexer. Kind is always one of NORMAL/THINKING/SUMMARY —
// the marker parser never itself produces STATUS/ERROR/SUCCESS.
type Emission struct {
	Kind multiplexer.Kind
	Text string
}

// markerParser scans a growing token buffer for [THINKING]/[SUMMARY]
// markers and emits classified slices as soon as a region closes. It
// drops bytes once they are emitted, and inside an open region it
// resumes the closing-tag search where the previous search stopped, so
// total work across a turn is O(bytes received), not quadratic in the
// number of tokens. [PLAN]/[FILE_*] blocks are left untouched here —
// they flow through as NORMAL text and are extracted separately from
// the full turn text once streaming completes.
type markerParser struct {
	state   markerState
	buf     strings.Builder
	scanned int // bytes of buf already searched for the open region's closing tag
}

func newMarkerParser() *markerParser {
	return &markerParser{}
}

// feed appends a newly received token to the buffer and returns every
// Emission that becomes available as a result.
func (p *markerParser) feed(token string) []Emission {
	p.buf.WriteString(token)

	var emissions []Emission
	for {
		ev, more := p.step()
		if ev != nil {
			emissions = append(emissions, *ev)
		}
		if !more {
			break
		}
	}
	return emissions
}

// step looks for the next marker transition in the buffered suffix. It
// returns (emission, true) when it made progress and should be called
// again immediately (another marker may already be ready), or
// (emission-or-nil, false) when no further progress is possible until
// more tokens arrive.
func (p *markerParser) step() (*Emission, bool) {
	buffered := p.buf.String()

	switch p.state {
	case stateOutside:
		thinkIdx := strings.Index(buffered, thinkingOpen)
		summaryIdx := strings.Index(buffered, summaryOpen)

		switch {
		case thinkIdx >= 0 && (summaryIdx < 0 || thinkIdx <= summaryIdx):
			before := stripStrayMarkers(buffered[:thinkIdx])
			p.resetBuf(buffered[thinkIdx+len(thinkingOpen):])
			p.state = stateThinking
			if before != "" {
				return &Emission{Kind: multiplexer.KindNormal, Text: before}, true
			}
			return nil, true

		case summaryIdx >= 0:
			before := stripStrayMarkers(buffered[:summaryIdx])
			p.resetBuf(buffered[summaryIdx+len(summaryOpen):])
			p.state = stateSummary
			if before != "" {
				return &Emission{Kind: multiplexer.KindNormal, Text: before}, true
			}
			return nil, true
		}

		// Nothing recognizable yet; hold back only enough of the
		// suffix to still catch a marker split across this feed and
		// the next, emitting the rest as NORMAL immediately.
		if len(buffered) > 0 {
			holdBack := maxMarkerPrefixLen(buffered)
			emitLen := len(buffered) - holdBack
			if emitLen > 0 {
				p.resetBuf(buffered[emitLen:])
				if text := stripStrayMarkers(buffered[:emitLen]); text != "" {
					return &Emission{Kind: multiplexer.KindNormal, Text: text}, false
				}
			}
		}
		return nil, false

	case stateThinking:
		idx := p.indexFrom(buffered, thinkingClose)
		if idx < 0 {
			return nil, false
		}
		text := buffered[:idx]
		rest := buffered[idx+len(thinkingClose):]
		if strings.HasPrefix(rest, responseOpen) {
			rest = rest[len(responseOpen):]
		}
		p.resetBuf(rest)
		p.state = stateOutside
		return &Emission{Kind: multiplexer.KindThinking, Text: text}, true

	case stateSummary:
		idx := p.indexFrom(buffered, summaryClose)
		if idx < 0 {
			return nil, false
		}
		text := buffered[:idx]
		p.resetBuf(buffered[idx+len(summaryClose):])
		p.state = stateOutside
		return &Emission{Kind: multiplexer.KindSummary, Text: text}, true
	}
	return nil, false
}

func (p *markerParser) resetBuf(rest string) {
	p.buf.Reset()
	p.buf.WriteString(rest)
	p.scanned = 0
}

// indexFrom finds marker in buffered, resuming where the previous search
// of the open region stopped (backing up enough to catch a split marker).
func (p *markerParser) indexFrom(buffered, marker string) int {
	from := max(0, p.scanned-len(marker)+1)
	if idx := strings.Index(buffered[from:], marker); idx >= 0 {
		return from + idx
	}
	p.scanned = len(buffered)
	return -1
}

// stripStrayMarkers removes closing tags and [RESPONSE] markers met
// outside any open region; they carry no text of their own.
func stripStrayMarkers(s string) string {
	for _, m := range []string{thinkingClose, summaryClose, responseOpen} {
		s = strings.ReplaceAll(s, m, "")
	}
	return s
}

// finish is called at the end of a turn. A still-open [THINKING] or
// [SUMMARY] region is tolerant: whatever remains buffered is emitted as
// that kind. An unmatched closing tag was already discarded by step.
func (p *markerParser) finish() []Emission {
	remaining := p.buf.String()
	if remaining == "" {
		return nil
	}
	switch p.state {
	case stateThinking:
		return []Emission{{Kind: multiplexer.KindThinking, Text: remaining}}
	case stateSummary:
		return []Emission{{Kind: multiplexer.KindSummary, Text: remaining}}
	default:
		return []Emission{{Kind: multiplexer.KindNormal, Text: remaining}}
	}
}

// maxMarkerPrefixLen returns how many trailing bytes of s could be the
// start of a marker (an opener, a closing tag or [RESPONSE]), so the
// scanner never flushes bytes that might turn out to be the prefix of a
// marker split across two tokens.
func maxMarkerPrefixLen(s string) int {
	openers := []string{thinkingOpen, summaryOpen, thinkingClose, summaryClose, responseOpen}
	best := 0
	for _, m := range openers {
		for n := len(m) - 1; n > 0; n-- {
			if n > len(s) {
				continue
			}
			if strings.HasSuffix(s, m[:n]) && n > best {
				best = n
			}
		}
	}
	return best
}

var (
	fileWriteRe = regexp.MustCompile(`(?is)\[FILE_WRITE\](.*?)\[/FILE_WRITE\]`)
	fileEditRe  = regexp.MustCompile(`(?is)\[FILE_EDIT\](.*?)\[/FILE_EDIT\]`)
	fileReadRe  = regexp.MustCompile(`(?is)\[FILE_READ\](.*?)\[/FILE_READ\]`)

	pathFieldRe    = regexp.MustCompile(`(?i)path:\s*(\S+)`)
	writeContentRe = regexp.MustCompile("(?is)content:\\s*```[a-zA-Z0-9_+-]*\\n(.*?)```")
	editFindRe     = regexp.MustCompile(`(?is)find:\s*\|\n(.*?)\nreplace:`)
	editReplaceRe  = regexp.MustCompile(`(?is)replace:\s*\|\n(.*)$`)
)

// FileOp is one extracted FILE_READ/FILE_WRITE/FILE_EDIT operation.
type FileOp struct {
	Kind    string // "read", "write", "edit"
	Path    string
	Content string // write
	Find    string // edit
	Replace string // edit
}

// ExtractFileOps parses every FILE_READ/FILE_WRITE/FILE_EDIT block out of
// completed turn text. Any block missing mandatory fields is silently
// skipped, per spec.
func ExtractFileOps(text string) []FileOp {
	var ops []FileOp

	for _, m := range fileReadRe.FindAllStringSubmatch(text, -1) {
		path := firstMatch(pathFieldRe, m[1])
		if path == "" {
			continue
		}
		ops = append(ops, FileOp{Kind: "read", Path: path})
	}

	for _, m := range fileWriteRe.FindAllStringSubmatch(text, -1) {
		path := firstMatch(pathFieldRe, m[1])
		content := firstMatch(writeContentRe, m[1])
		if path == "" || content == "" {
			continue
		}
		ops = append(ops, FileOp{Kind: "write", Path: path, Content: content})
	}

	for _, m := range fileEditRe.FindAllStringSubmatch(text, -1) {
		path := firstMatch(pathFieldRe, m[1])
		find := firstMatch(editFindRe, m[1])
		replace := firstMatch(editReplaceRe, m[1])
		if path == "" || find == "" || replace == "" {
			continue
		}
		ops = append(ops, FileOp{Kind: "edit", Path: path, Find: find, Replace: strings.TrimRight(replace, "\n")})
	}

	return ops
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
