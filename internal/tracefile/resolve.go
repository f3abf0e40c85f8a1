package tracefile

import (
	"fmt"
	"strings"
)

// ResolveName implements the four-form trace-file name rule from spec.md
// §4.3 step 3:
//
//   - "[file]N"    — redirect marker, rewritten to "[default]N" and
//     handled as default.
//   - "[default]N" — expanded to: default qualifier + product base +
//     connection number (or generated run id if xa is true).
//   - "PRINT$"     — attaches to stdout; no open/close.
//   - anything else — a concrete name; default qualifier is added if none
//     is present, and in XA mode the filename portion is truncated to 5
//     characters with the generated run id appended to guarantee
//     uniqueness.
func ResolveName(requested string, qualifier string, runID string, connNumber int, xa bool) string {
	if requested == PrintDollar {
		return PrintDollar
	}

	if strings.HasPrefix(requested, "[file]") {
		requested = "[default]" + strings.TrimPrefix(requested, "[file]")
	}

	if strings.HasPrefix(requested, "[default]") {
		suffix := strings.TrimPrefix(requested, "[default]")
		if xa {
			return fmt.Sprintf("%sJDBC$%s-%s", qualifier, suffix, runID)
		}
		return fmt.Sprintf("%sJDBC$%s-%d", qualifier, suffix, connNumber)
	}

	name := requested
	if !strings.Contains(name, "$") && !strings.HasPrefix(name, qualifier) {
		name = qualifier + name
	}

	if xa {
		qualPart, filePart := splitQualifier(name)
		if len(filePart) > 5 {
			filePart = filePart[:5]
		}
		return qualPart + filePart + "-" + runID
	}

	return name
}

// splitQualifier splits "QUAL$FILE" into ("QUAL$", "FILE"); if there is no
// '$', the whole string is treated as the file portion with an empty
// qualifier.
func splitQualifier(name string) (qualifier, file string) {
	if idx := strings.LastIndex(name, "$"); idx >= 0 {
		return name[:idx+1], name[idx+1:]
	}
	return "", name
}
