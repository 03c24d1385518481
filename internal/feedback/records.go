package feedback

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/assertedio/asrtd/pkg/client"
)

// recordRow is either a single record or a run of consecutive passes folded
// into one row.
type recordRow struct {
	record     *client.CompletedRunRecord
	start, end time.Time
}

// groupPasses folds consecutive passed records into single rows unless
// showPasses is set. Rows come out in reverse input order.
func groupPasses(records []client.CompletedRunRecord, showPasses bool) []recordRow {
	var rows []recordRow
	for i := range records {
		rec := &records[i]
		if rec.Status == client.StatusPassed && !showPasses {
			if n := len(rows); n > 0 && rows[n-1].record == nil {
				rows[n-1].end = rec.CompletedAt
				continue
			}
			rows = append(rows, recordRow{start: rec.CompletedAt})
			continue
		}
		rows = append(rows, recordRow{record: rec})
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

var recordHeaders = []string{"Record ID", "Status", "Timestamp", "Duration", "Suites", "Tests", "Passes", "Fails", "Pending"}

func (p *Printer) recordTableRows(rows []recordRow, now time.Time) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if row.record == nil {
			end := row.end
			if end.IsZero() {
				end = now
			}
			out = append(out, []string{
				"", p.Green("Multiple") + "\n" + p.Green("Passes"), "", ShortDuration(absDuration(end.Sub(row.start))), "", "", "", "", "",
			})
			continue
		}
		r := row.record
		out = append(out, []string{
			r.ID,
			p.Status(r.Status, statusText(r)),
			r.CompletedAt.Local().Format(timestampLayout),
			ShortDuration(time.Duration(r.TestDurationMs) * time.Millisecond),
			strconv.Itoa(r.Stats.Suites),
			strconv.Itoa(r.Stats.Tests),
			p.Green(strconv.Itoa(r.Stats.Passes)),
			p.Red(strconv.Itoa(r.Stats.Failures)),
			strconv.Itoa(r.Stats.Pending),
		})
	}
	return out
}

func statusText(r *client.CompletedRunRecord) string {
	if r.Status == client.StatusFailed && r.FailType != "" {
		if r.FailType == "test" {
			return "Test failure"
		}
		return CapitalCase(r.FailType)
	}
	return CapitalCase(r.Status)
}

// Records prints a page of records, folding passes unless showPasses.
func (p *Printer) Records(list *client.RecordList, showPasses bool) {
	rows := groupPasses(list.List, showPasses)
	p.Plain(p.TableString(recordHeaders, p.recordTableRows(rows, time.Now())))
	p.pageArgs(list.PrevBefore, list.NextAfter)
}

// Record prints a completed run: failures, the summary row and per-test
// timings.
func (p *Printer) Record(r *client.CompletedRunRecord, excludeHooks bool) {
	var sections []string
	if errs := p.errorsText(r.Results); errs != "" {
		sections = append(sections, errs)
	}
	sections = append(sections, p.TableString(recordHeaders, p.recordTableRows([]recordRow{{record: r}}, time.Now())))

	var timings [][]string
	for _, res := range r.Results {
		if excludeHooks && res.IsHook() {
			continue
		}
		duration := " - "
		if res.Duration != nil {
			duration = fmt.Sprintf("%d ms", *res.Duration)
		}
		passed := p.Green("✔")
		if res.Error != nil {
			passed = p.Red("✖")
		}
		timings = append(timings, []string{res.FullTitle, duration, passed})
	}
	sections = append(sections, p.TableString([]string{"Title", "Duration", "Passed"}, timings))
	p.Plain(strings.Join(sections, "\n"))
}

func (p *Printer) errorsText(results []client.TestResult) string {
	var parts []string
	for _, res := range results {
		if res.Error == nil {
			continue
		}
		var diff []string
		for _, line := range strings.Split(res.Error.Diff, "\n") {
			if strings.HasPrefix(line, "+") {
				diff = append(diff, p.Green(line))
			} else {
				diff = append(diff, p.Red(line))
			}
		}
		parts = append(parts, fmt.Sprintf("\n%s\n\n%s\n\n%s %s\n\n%s",
			p.Bold(res.FullTitle), p.Red(res.Error.Stack), p.Green("+ expected"), p.Red("- actual"), strings.Join(diff, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

// Routines prints routines, with a project column when they span projects.
func (p *Printer) Routines(routines []client.Routine) {
	projects := map[string]struct{}{}
	for _, r := range routines {
		projects[r.ProjectID] = struct{}{}
	}
	withProject := len(projects) > 1

	headers := []string{"Routine ID", "Routine Name", "Status"}
	if withProject {
		headers = append([]string{"Project ID"}, headers...)
	}
	rows := make([][]string, 0, len(routines))
	for _, r := range routines {
		status := r.Status()
		row := []string{r.ID, r.Name, p.Status(status, CapitalCase(status))}
		if withProject {
			row = append([]string{r.ProjectID}, row...)
		}
		rows = append(rows, row)
	}
	p.Table(headers, rows)
}

// Projects prints projects.
func (p *Printer) Projects(projects []client.Project) {
	rows := make([][]string, 0, len(projects))
	for _, pr := range projects {
		rows = append(rows, []string{pr.ID, pr.Name})
	}
	p.Table([]string{"Project ID", "Project Name"}, rows)
}

var durationUnits = []struct {
	d    time.Duration
	name string
}{
	{24 * time.Hour, "day"},
	{time.Hour, "hr"},
	{time.Minute, "min"},
	{time.Second, "sec"},
	{time.Millisecond, "ms"},
}

// ShortDuration renders d with its two largest units, rounding the second,
// e.g. "1 min, 5 sec".
func ShortDuration(d time.Duration) string {
	if d < time.Millisecond {
		return "0 ms"
	}
	for i, u := range durationUnits {
		if d < u.d {
			continue
		}
		first := d / u.d
		parts := []string{fmt.Sprintf("%d %s", first, u.name)}
		if i+1 < len(durationUnits) {
			next := durationUnits[i+1]
			rest := (d - first*u.d + next.d/2) / next.d
			if rest > 0 && rest*next.d < u.d {
				parts = append(parts, fmt.Sprintf("%d %s", rest, next.name))
			}
		}
		return strings.Join(parts, ", ")
	}
	return "0 ms"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
