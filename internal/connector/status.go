package connector

import (
	"fmt"
	"strings"

	"github.com/buildrun/daemonconnect/internal/daemon"
)

// generateStatus composes the status message emitted before launching a
// new daemon. numBusy/numIncompatible/numStopped are the counts of busy
// daemons, idle daemons that were not reused, and recent stop events
// respectively.
func generateStatus(daemonID string, numBusy, numIncompatible, numStopped int) string {
	total := numBusy + numIncompatible + numStopped
	if total == 0 {
		return fmt.Sprintf("Starting new daemon %s (subsequent builds will be faster)...", daemonID)
	}

	var reasons []string
	if numBusy > 0 {
		reasons = append(reasons, fmt.Sprintf("%d busy", numBusy))
	}
	if numIncompatible > 0 {
		reasons = append(reasons, fmt.Sprintf("%d incompatible", numIncompatible))
	}
	if numStopped > 0 {
		reasons = append(reasons, fmt.Sprintf("%d stopped", numStopped))
	}

	plural := ""
	if total > 1 {
		plural = "s"
	}
	return fmt.Sprintf("Starting new daemon %s, %s daemon%s could not be reused, use --status for details",
		daemonID, strings.Join(reasons, " and "), plural)
}

// winnerStopEvent picks the representative event for a daemon id out of
// two candidates. Events with a non-null Status sort before those without
// one; among two non-null statuses the lexicographically greater one wins.
func winnerStopEvent(a, b daemon.StopEvent) daemon.StopEvent {
	switch {
	case a.Status != nil && b.Status == nil:
		return a
	case a.Status == nil && b.Status != nil:
		return b
	case a.Status != nil && b.Status != nil:
		if *a.Status >= *b.Status {
			return a
		}
		return b
	default:
		return a
	}
}

// dedupRecentStopEvents keeps one event per daemon id, picking the winner
// via winnerStopEvent.
func dedupRecentStopEvents(events []daemon.StopEvent) []daemon.StopEvent {
	best := make(map[string]daemon.StopEvent, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		cur, ok := best[ev.DaemonID]
		if !ok {
			best[ev.DaemonID] = ev
			order = append(order, ev.DaemonID)
			continue
		}
		best[ev.DaemonID] = winnerStopEvent(cur, ev)
	}
	out := make([]daemon.StopEvent, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}
