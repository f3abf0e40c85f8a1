package console

import "strings"

// normalize collapses runs of whitespace into single spaces and trims the
// ends, per spec.md §4.4 step 1 ("Normalise whitespace").
func normalize(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// tokenize splits a normalized command line into tokens. Case folding for
// keyword matching happens at dispatch time via strings.EqualFold so that
// value tokens (filenames, locale tags, thread names) keep their original
// case, per spec.md §4.4 step 2.
func tokenize(line string) []string {
	return strings.Fields(normalize(line))
}

func eq(tok, keyword string) bool {
	return strings.EqualFold(tok, keyword)
}
