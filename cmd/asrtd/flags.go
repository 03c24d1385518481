package main

// Flag structs to decouple cobra from logic for testing.

type LoginFlags struct {
	Key string
}

type ProjectsFlags struct {
	SetDefault string
}

type InitFlags struct {
	Name          string
	Description   string
	ProjectID     string
	IntervalUnit  string
	IntervalValue int
	Merge         bool
}

type ListFlags struct {
	ProjectID string
}

type RemoveFlags struct {
	Force bool
}

type RunFlags struct {
	Online bool
	Pushed bool
	Files  []string
	Ignore []string
	NoBail bool
}

// PageFlags select a time range and page of records or timeline events.
type PageFlags struct {
	Start      string
	End        string
	Limit      int
	PrevBefore string
	NextAfter  string
}

type RecordsFlags struct {
	PageFlags
	ShowPasses bool
}

type StatusFlags struct {
	ProjectID string
	All       bool
}

type TimelineFlags struct {
	PageFlags
}

type PlanFlags struct {
	ProjectID string
}

type RecordFlags struct {
	RoutineID    string
	ExcludeHooks bool
}
