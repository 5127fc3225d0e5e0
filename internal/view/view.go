// Package view projects a chat's messages into day groups with per-row
// layout flags. Build is pure: the same input always yields the same output.
package view

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
)

// Row is one rendered message.
type Row struct {
	Message entity.Message
	// RenderKey stays stable when a provisional message is replaced by its
	// authoritative counterpart.
	RenderKey    string
	IsFirstInRun bool
	IsLastInRun  bool
	Pending      bool
}

// DayGroup holds the rows of one local calendar day, ascending by time.
type DayGroup struct {
	Label string
	Date  time.Time
	Rows  []Row
}

// Build groups msgs by local calendar day. A run is a maximal sequence of
// consecutive rows by the same author within a day. msgs is not modified.
func Build(msgs []entity.Message, now time.Time, labeler DayLabeler) []DayGroup {
	if len(msgs) == 0 {
		return nil
	}
	if labeler == nil {
		labeler = DefaultLabeler
	}
	loc := labeler.Location()
	today := dayOf(now, loc)

	sorted := slices.Clone(msgs)
	entity.SortMessages(sorted)

	var groups []DayGroup
	for _, m := range sorted {
		day := dayOf(m.CreatedAt, loc)
		if len(groups) == 0 || !groups[len(groups)-1].Date.Equal(day) {
			groups = append(groups, DayGroup{Label: labeler.Label(day, today), Date: day})
		}
		g := &groups[len(groups)-1]
		g.Rows = append(g.Rows, Row{
			Message:   m,
			RenderKey: renderKey(&m),
			Pending:   m.Provisional(),
		})
	}
	for i := range groups {
		markRuns(groups[i].Rows)
	}
	return groups
}

func markRuns(rows []Row) {
	for i := range rows {
		author := rows[i].Message.AuthorID
		rows[i].IsFirstInRun = i == 0 || rows[i-1].Message.AuthorID != author
		rows[i].IsLastInRun = i == len(rows)-1 || rows[i+1].Message.AuthorID != author
	}
}

func renderKey(m *entity.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
