package probe

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Report summarizes a probe run.
type Report struct {
	Codec       string
	Connections int
	Sent        int
	Received    int
	Elapsed     time.Duration

	Min time.Duration
	Avg time.Duration
	P50 time.Duration
	P99 time.Duration
	Max time.Duration

	// Samples holds every round-trip time in ascending order.
	Samples []time.Duration
}

// Lost is the number of messages whose echo never arrived.
func (r *Report) Lost() int { return r.Sent - r.Received }

func newReport(codecName string, sessions []*session, elapsed time.Duration) *Report {
	report := &Report{
		Codec:       codecName,
		Connections: len(sessions),
		Elapsed:     elapsed,
	}
	for _, s := range sessions {
		sent, samples := s.result()
		report.Sent += sent
		report.Samples = append(report.Samples, samples...)
	}
	report.Received = len(report.Samples)
	if report.Received == 0 {
		return report
	}

	slices.Sort(report.Samples)
	report.Min = lo.Min(report.Samples)
	report.Max = lo.Max(report.Samples)
	report.Avg = lo.Sum(report.Samples) / time.Duration(report.Received)
	report.P50 = percentile(report.Samples, 50)
	report.P99 = percentile(report.Samples, 99)
	return report
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	rank = max(rank, 1)
	return sorted[min(rank, len(sorted))-1]
}

// Render writes the report as a table.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Codec", "Conns", "Sent", "Received", "Lost", "Min", "Avg", "P50", "P99", "Max", "Elapsed"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append([]string{
		r.Codec,
		strconv.Itoa(r.Connections),
		strconv.Itoa(r.Sent),
		strconv.Itoa(r.Received),
		strconv.Itoa(r.Lost()),
		formatDuration(r.Min),
		formatDuration(r.Avg),
		formatDuration(r.P50),
		formatDuration(r.P99),
		formatDuration(r.Max),
		r.Elapsed.Round(time.Millisecond).String(),
	})
	table.Render()
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}
