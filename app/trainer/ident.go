package trainer

import (
	"time"

	"github.com/freqops/trainn/app/pairs"
)

// Identifier derives the checkpoint identifier for a pair, i.e. the key the
// training framework uses to name and restore a model directory.
// Pure function of its inputs: prefix + "dqn-" + sanitized pair + suffix.
func Identifier(prefix, pair, suffix string) string {
	return prefix + "dqn-" + pairs.SafeName(pair) + suffix
}

// freshToken makes the uniqueness suffix for fresh runs. Without it a fresh run
// with an empty suffix would collide with the previous run's checkpoint
// directory and restore from it.
func freshToken(now time.Time) string {
	return "-" + now.UTC().Format("20060102T150405")
}
