package config

import (
	"fmt"
	"strings"
)

// grammarParser implements koanf's Parser interface (Unmarshal/Marshal) for
// the bespoke configuration grammar from spec.md §6.1:
//
//	file        := line*
//	line        := blank | comment | "//" ... newline | assignment
//	assignment  := KEY "=" VALUE ";" trailer?
//	trailer     := "//" ...
//
// koanf ships parsers for json/yaml/toml/etc. but none for this format, so
// one is written here against the same Parser contract those ship, letting
// the rest of the config stack (file provider, env overrides, layered
// koanf.Koanf) stay exactly as the teacher pack uses it.
type grammarParser struct{}

// newGrammarParser returns a koanf Parser for the "key = value ;" grammar.
func newGrammarParser() *grammarParser { return &grammarParser{} }

// Unmarshal parses raw config-file bytes into a flat string-keyed map.
// Unknown-key and value-type validation happen later, in the syntactic/
// semantic passes (spec.md §4.5) — this stage only has to get the grammar
// right.
func (p *grammarParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	text := string(b)

	lines := splitLines(text)
	for lineNo, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasSuffix(line, ";") {
			return nil, fmt.Errorf("config: line %d: assignment must end with ';': %q", lineNo+1, raw)
		}
		line = strings.TrimSuffix(line, ";")

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: line %d: expected 'key = value;': %q", lineNo+1, raw)
		}

		key := strings.ToLower(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return nil, fmt.Errorf("config: line %d: empty key", lineNo+1)
		}
		out[key] = val
	}

	return out, nil
}

// Marshal is required by koanf's Parser interface but is never used by
// this read-only config loader (the server never writes its config back
// out).
func (p *grammarParser) Marshal(map[string]interface{}) ([]byte, error) {
	return nil, fmt.Errorf("config: marshalling back to the server grammar is not supported")
}

// splitLines splits on \n while tolerating a missing trailing newline on
// the final line (spec.md §8 boundary behaviour).
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

// stripComment removes a trailing "// ..." comment, respecting neither
// quoting nor escaping since the grammar defines no string-quoting form.
func stripComment(line string) string {
	if idx := strings.Index(line, "//"); idx >= 0 {
		return line[:idx]
	}
	return line
}
