package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/sym"
)

const previewRunes = 60

// renderJobs prints jobs as a table with times in loc
func renderJobs(w io.Writer, jobs []*queue.Job, loc *time.Location) error {
	data := pterm.TableData{{"", "ID", "STATUS", "SCHEDULED", "ATTEMPTS", "TEXT"}}
	for _, job := range jobs {
		data = append(data, []string{
			sym.ForStatus(string(job.Status)),
			job.ID,
			string(job.Status),
			formatTime(job.ScheduledAt, loc),
			strconv.Itoa(job.AttemptCount),
			preview(job.ContentText),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// renderReview adds the failure columns a human needs to decide
func renderReview(w io.Writer, jobs []*queue.Job, loc *time.Location) error {
	data := pterm.TableData{{"ID", "ATTEMPTS", "LAST ATTEMPT", "LAST ERROR", "TEXT"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			strconv.Itoa(job.AttemptCount),
			formatTime(job.LastAttemptAt, loc),
			preview(job.LastError),
			preview(job.ContentText),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// renderCounts prints per-status counts in lifecycle order
func renderCounts(w io.Writer, counts map[queue.Status]int) error {
	data := pterm.TableData{{"", "STATUS", "JOBS"}}
	total := 0
	for _, st := range queue.AllStatuses {
		data = append(data, []string{sym.ForStatus(string(st)), string(st), strconv.Itoa(counts[st])})
		total += counts[st]
	}
	data = append(data, []string{"", "total", strconv.Itoa(total)})
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes-1]) + "…"
}

func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
