// Package report renders a feedback session as a standalone HTML page.
package report

import (
	"sort"
	"time"

	"github.com/pavelanni/edufeed/internal/model"
)

func timeText(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

// choiceOrder lists the configured options first, then any answer that is
// no longer an option.
func choiceOrder(q model.QuestionExport) []string {
	order := append([]string(nil), q.Options...)
	var extra []string
	for opt := range q.Stats.Choices {
		known := false
		for _, o := range q.Options {
			if o == opt {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, opt)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}
