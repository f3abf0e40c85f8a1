// Package runid generates the short unique identifiers the server uses to
// disambiguate log/trace filenames and worker activities across restarts.
package runid

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 12-character alphanumeric id. Panics only if the
// underlying CSPRNG is broken, matching the teacher id package's contract.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 12)
	if err != nil {
		panic(fmt.Sprintf("runid: generate: %v", err))
	}
	return id
}
