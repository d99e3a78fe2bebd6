// ABOUTME: Computes support analytics from the event journal
// ABOUTME: Per-agent assignment, resolution and rating figures plus global response times

package analytics

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

// AgentStats aggregates one agent's activity.
type AgentStats struct {
	AgentID         string
	Assigned        int
	Resolved        int
	Rated           int
	AverageRating   float64
	AssignToResolve time.Duration // mean time from the last assignment to resolution
}

// Report is the analytics snapshot over a journal window.
type Report struct {
	Since         time.Time
	Events        int
	Conversations int
	Resolved      int

	// Mean time from conversation start to the first agent message, over
	// conversations that got one.
	StartToFirstResponse time.Duration
	// Mean time from conversation start to resolution.
	StartToResolution time.Duration

	Agents []AgentStats
}

// Reporter reads the journal and computes reports.
type Reporter struct {
	store JournalStore
}

// NewReporter creates a Reporter over the given journal store.
func NewReporter(s JournalStore) *Reporter {
	return &Reporter{store: s}
}

type convTimes struct {
	started       time.Time
	firstResponse time.Time
	lastAssigned  time.Time
	resolved      time.Time
}

type agentTotals struct {
	stats       AgentStats
	ratingSum   int
	resolveSum  time.Duration
	resolveSeen int
}

// Build computes a report from journal records at or after since.
func (r *Reporter) Build(ctx context.Context, since time.Time) (*Report, error) {
	records, err := r.store.ListEvents(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return Compute(since, records), nil
}

// Compute builds a report from records ordered by timestamp.
func Compute(since time.Time, records []*store.EventRecord) *Report {
	convs := make(map[string]*convTimes)
	agents := make(map[string]*agentTotals)

	conv := func(id string) *convTimes {
		c, ok := convs[id]
		if !ok {
			c = &convTimes{}
			convs[id] = c
		}
		return c
	}
	agent := func(id string) *agentTotals {
		a, ok := agents[id]
		if !ok {
			a = &agentTotals{stats: AgentStats{AgentID: id}}
			agents[id] = a
		}
		return a
	}

	for _, rec := range records {
		if rec.ConversationID == "" {
			continue
		}
		c := conv(rec.ConversationID)

		switch eventbus.Kind(rec.Kind) {
		case eventbus.KindNewConversation:
			c.started = rec.Timestamp
		case eventbus.KindAssigned:
			c.lastAssigned = rec.Timestamp
			if rec.AgentID != "" {
				agent(rec.AgentID).stats.Assigned++
			}
		case eventbus.KindMessage:
			if rec.Author == store.AuthorAgent && c.firstResponse.IsZero() {
				c.firstResponse = rec.Timestamp
			}
		case eventbus.KindResolved:
			c.resolved = rec.Timestamp
			if rec.AgentID == "" {
				continue
			}
			a := agent(rec.AgentID)
			a.stats.Resolved++
			if !c.lastAssigned.IsZero() {
				a.resolveSum += rec.Timestamp.Sub(c.lastAssigned)
				a.resolveSeen++
			}
		case eventbus.KindRated:
			if rec.AgentID == "" || rec.Rating == 0 {
				continue
			}
			a := agent(rec.AgentID)
			a.stats.Rated++
			a.ratingSum += rec.Rating
		}
	}

	rep := &Report{Since: since, Events: len(records)}

	var responseSum, resolutionSum time.Duration
	var responses, resolutions int
	for _, c := range convs {
		if c.started.IsZero() {
			// Started before the window.
			continue
		}
		rep.Conversations++
		if !c.firstResponse.IsZero() {
			responseSum += c.firstResponse.Sub(c.started)
			responses++
		}
		if !c.resolved.IsZero() {
			rep.Resolved++
			resolutionSum += c.resolved.Sub(c.started)
			resolutions++
		}
	}
	if responses > 0 {
		rep.StartToFirstResponse = responseSum / time.Duration(responses)
	}
	if resolutions > 0 {
		rep.StartToResolution = resolutionSum / time.Duration(resolutions)
	}

	for _, a := range agents {
		if a.stats.Rated > 0 {
			a.stats.AverageRating = float64(a.ratingSum) / float64(a.stats.Rated)
		}
		if a.resolveSeen > 0 {
			a.stats.AssignToResolve = a.resolveSum / time.Duration(a.resolveSeen)
		}
		rep.Agents = append(rep.Agents, a.stats)
	}
	slices.SortFunc(rep.Agents, func(x, y AgentStats) int {
		return strings.Compare(x.AgentID, y.AgentID)
	})
	return rep
}

// WriteTable prints the report as aligned text. names maps agent IDs to
// display names; missing entries fall back to the ID.
func (r *Report) WriteTable(w io.Writer, names map[string]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Conversations:\t%d\n", r.Conversations)
	fmt.Fprintf(tw, "Resolved:\t%d\n", r.Resolved)
	fmt.Fprintf(tw, "Avg start to first response:\t%s\n", r.StartToFirstResponse.Round(time.Second))
	fmt.Fprintf(tw, "Avg start to resolution:\t%s\n", r.StartToResolution.Round(time.Second))
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "AGENT\tASSIGNED\tRESOLVED\tAVG RATING\tAVG ASSIGN TO RESOLVE")
	for _, a := range r.Agents {
		name := names[a.AgentID]
		if name == "" {
			name = a.AgentID
		}
		rating := "-"
		if a.Rated > 0 {
			rating = fmt.Sprintf("%.2f", a.AverageRating)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, a.Assigned, a.Resolved, rating, a.AssignToResolve.Round(time.Second))
	}
	return tw.Flush()
}
