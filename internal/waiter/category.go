package waiter

import "fmt"

// Push channel event names for each category.
const (
	EventManualRunComplete = "manualRunComplete"
	EventDepBuildComplete  = "depBuildComplete"
)

// Category partitions correlation keys. Keys never match across categories.
type Category int

const (
	// CategoryRun tracks online run completions keyed by record id.
	CategoryRun Category = iota
	// CategoryBuild tracks custom dependency builds keyed by build id.
	CategoryBuild
)

var categories = []Category{CategoryRun, CategoryBuild}

func (c Category) valid() bool { return c == CategoryRun || c == CategoryBuild }

func (c Category) String() string {
	switch c {
	case CategoryRun:
		return "run"
	case CategoryBuild:
		return "build"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// EventName returns the push channel event that completes keys of c.
func (c Category) EventName() string {
	switch c {
	case CategoryRun:
		return EventManualRunComplete
	case CategoryBuild:
		return EventDepBuildComplete
	default:
		return ""
	}
}

// Event is the payload of a completion event. Run completions carry
// RoutineID; build completions carry Console, which is only set when the
// build failed.
type Event struct {
	ID        string `json:"id"`
	RoutineID string `json:"routineId,omitempty"`
	Console   string `json:"console,omitempty"`
}
