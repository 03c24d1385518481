package feedback

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/assertedio/asrtd/pkg/client"
)

// RoutineStatus pairs a routine id with its status for the status table.
type RoutineStatus struct {
	ID     string
	Status *client.RoutineStatus
}

var statusHeaders = []string{
	"Routine ID", "Next Run", "Status", "Since", "Duration",
	"Latest Downtime", "Downtime Duration", "Uptime Day", "Uptime Week", "Uptime Month",
}

const timestampLayout = "1/2/2006, 3:04 PM"

func (p *Printer) statusTableRows(statuses []RoutineStatus, now time.Time) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, rs := range statuses {
		st := rs.Status
		row := []string{rs.ID, "-", p.Status(st.OverallStatus, CapitalCase(st.OverallStatus)), "-", "-", "-", "-", "-", "-", "-"}
		if st.NextRunAt != nil {
			row[1] = ShortDuration(absDuration(st.NextRunAt.Sub(now)).Truncate(time.Second))
		}
		if st.Since != nil {
			row[3] = st.Since.Start.Local().Format(timestampLayout)
			row[4] = ShortDuration(absDuration(now.Sub(st.Since.Start)).Truncate(time.Minute))
			row[7] = percent(st.Uptimes.Day)
			row[8] = percent(st.Uptimes.Week)
			row[9] = percent(st.Uptimes.Month)
		}
		if st.Downtime != nil {
			row[5] = st.Downtime.Start.Local().Format(timestampLayout)
			row[6] = ShortDuration((time.Duration(st.Downtime.DurationMs) * time.Millisecond).Truncate(time.Minute))
		}
		rows = append(rows, row)
	}
	return rows
}

// percent renders an availability ratio as a percentage rounded to two
// decimals, e.g. 0.99512 -> "99.51".
func percent(u client.Uptime) string {
	return strconv.FormatFloat(math.Round(u.Tests.Availability*10000)/100, 'f', -1, 64)
}

// Statuses prints one status row per routine.
func (p *Printer) Statuses(statuses []RoutineStatus) {
	p.Table(statusHeaders, p.statusTableRows(statuses, time.Now()))
}

// Timeline prints a page of status changes with page cursors.
func (p *Printer) Timeline(list *client.TimelineList) {
	rows := make([][]string, 0, len(list.List))
	for _, ev := range list.List {
		rows = append(rows, []string{
			p.Status(ev.Status, ev.Status),
			ev.Start.Local().Format(timestampLayout),
			ShortDuration(absDuration(ev.End.Sub(ev.Start))),
		})
	}
	p.Plain(p.TableString([]string{"Status", "Started", "Duration"}, rows))
	p.pageArgs(list.PrevBefore, list.NextAfter)
}

func (p *Printer) pageArgs(prevBefore, nextAfter *time.Time) {
	if prevBefore != nil {
		p.Note(fmt.Sprintf("%s prev page arg:   --prev-before %s", p.Bold("←"), prevBefore.Local().Format(time.RFC3339)))
	}
	if nextAfter != nil {
		p.Note(fmt.Sprintf("%s next page arg:   --next-after %s", p.Bold("→"), nextAfter.Local().Format(time.RFC3339)))
	}
}

// Plan prints the current plan of a project and its monthly limits.
func (p *Printer) Plan(project *client.Project, plan client.Plan, billing *client.ProjectPlan) {
	paid := p.Green("Free")
	if plan.Tier != client.PlanTierFree {
		paid = p.Green("Paid")
		if billing.Payment != nil && billing.Payment.Delinquent {
			paid = p.Red("Unpaid")
		}
	}
	p.Info(p.Bold(fmt.Sprintf("Current Plan for Project: '%s' - %s", project.Name, project.ID)))
	p.Note(" Name: " + plan.Name)
	p.Note(" Tier: " + plan.Tier)
	p.Note(" Status: " + paid)
	p.Note("")
	p.Info(p.Bold("Monthly Plan Limits"))
	p.Note(fmt.Sprintf(" Total Test Time: %d seconds", billing.Limits.CPUSeconds))
	p.Note(fmt.Sprintf(" Routines: %d", billing.Limits.Routines))
	p.Note(fmt.Sprintf(" SMS: %d", billing.Limits.SMSCount))
}
