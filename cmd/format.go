package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

func formatSourcesList(out io.Writer, sources []model.DataSource) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROVIDER\tERRORS\tLAST SYNC")
	fmt.Fprintln(w, "--\t----\t------\t--------\t------\t---------")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID,
			s.SourceType,
			s.Status,
			s.ProviderName,
			s.ErrorCount,
			formatTime(s.LastSyncAt),
		)
	}
	w.Flush() //nolint:errcheck
}

func formatSourceDetail(out io.Writer, s *model.DataSource) {
	fmt.Fprintf(out, "ID:          %s\n", s.ID)
	fmt.Fprintf(out, "Name:        %s\n", s.Name)
	fmt.Fprintf(out, "Provider:    %s\n", s.ProviderName)
	fmt.Fprintf(out, "Type:        %s\n", s.SourceType)
	fmt.Fprintf(out, "Status:      %s\n", s.Status)
	fmt.Fprintf(out, "Errors:      %d\n", s.ErrorCount)
	if s.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", s.LastError)
	}
	fmt.Fprintf(out, "Last sync:   %s\n", formatTime(s.LastSyncAt))
	fmt.Fprintf(out, "Created:     %s\n", s.CreatedAt.Format(time.RFC3339))
	if len(s.Configuration) > 0 {
		fmt.Fprintf(out, "\nConfiguration:\n%s\n", indentJSON(s.Configuration))
	}
}

func formatJobResult(out io.Writer, res *ingest.Result) {
	fmt.Fprintf(out, "Job:        %s\n", res.JobID)
	fmt.Fprintf(out, "Status:     %s\n", res.Status)
	formatStats(out, res.Stats)
	if res.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", res.Error)
	}
}

func formatStats(out io.Writer, st model.JobStats) {
	fmt.Fprintf(out, "Found:      %d\n", st.ProductsFound)
	fmt.Fprintf(out, "New:        %d\n", st.ProductsNew)
	fmt.Fprintf(out, "Updated:    %d\n", st.ProductsUpdated)
	fmt.Fprintf(out, "Duplicates: %d\n", st.ProductsDuplicates)
	fmt.Fprintf(out, "Errors:     %d\n", st.ProductsErrors)
}

func formatJobStatus(out io.Writer, js *ingest.JobStatus) {
	job := js.Job
	fmt.Fprintf(out, "Job:        %s\n", job.ID)
	fmt.Fprintf(out, "Source:     %s\n", job.DataSourceID)
	fmt.Fprintf(out, "Type:       %s\n", job.JobType)
	fmt.Fprintf(out, "Status:     %s\n", job.Status)
	fmt.Fprintf(out, "Started:    %s\n", formatTime(job.StartedAt))
	fmt.Fprintf(out, "Completed:  %s\n", formatTime(job.CompletedAt))
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(out, "Duration:   %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	formatStats(out, job.Stats)
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:      %s\n", job.ErrorMessage)
	}

	if len(js.Logs) == 0 {
		return
	}
	fmt.Fprintln(out, "\nLogs:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, l := range js.Logs {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", l.CreatedAt.Format("15:04:05"), l.Level, l.Message)
	}
	w.Flush() //nolint:errcheck
}

func formatDuplicatesList(out io.Writer, dups []model.DuplicateDetection) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRODUCT\tDUPLICATE OF\tSCORE\tSTATUS\tMATCHING")
	fmt.Fprintln(w, "--\t-------\t------------\t-----\t------\t--------")
	for _, d := range dups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			truncateID(d.ID),
			truncateID(d.ProductID),
			truncateID(d.DuplicateProductID),
			d.SimilarityScore,
			d.Status,
			joinFields(d.MatchingFields),
		)
	}
	w.Flush() //nolint:errcheck
}

func formatSnapshot(out io.Writer, snap *dashboard.Snapshot, warnings []dashboard.Warning) {
	fmt.Fprintf(out, "Collected:  %s\n\n", snap.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(out, "Sources:    %d", len(snap.Sources))
	for _, status := range []model.SourceStatus{
		model.SourceStatusActive, model.SourceStatusSyncing, model.SourceStatusPaused, model.SourceStatusError,
	} {
		if n := snap.SourcesByStatus[string(status)]; n > 0 {
			fmt.Fprintf(out, "  %s=%d", status, n)
		}
	}
	fmt.Fprintln(out)

	j := snap.Jobs
	fmt.Fprintf(out, "Jobs:       %d recent (completed=%d failed=%d cancelled=%d running=%d) failure rate %.0f%%\n",
		j.Total, j.Completed, j.Failed, j.Cancelled, j.Running, j.FailureRate*100)
	fmt.Fprintf(out, "Products:   %d (%d active)\n", snap.Products.Total, snap.Products.Active)
	fmt.Fprintf(out, "Alerts:     %d active\n", len(snap.ActiveAlerts))
	fmt.Fprintf(out, "Duplicates: %d pending review\n", len(snap.PendingDuplicates))

	if len(warnings) == 0 {
		fmt.Fprintln(out, "\nNo warnings.")
		return
	}
	fmt.Fprintln(out, "\nWarnings:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, wr := range warnings {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", wr.Severity, wr.Type, wr.Message)
	}
	w.Flush() //nolint:errcheck
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinFields(fields []string) string {
	if len(fields) == 0 {
		return "-"
	}
	return strings.Join(fields, ",")
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return string(raw)
	}
	return "  " + string(b)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
