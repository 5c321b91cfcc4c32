package clustering

import (
	"context"
	"sort"
	"strings"

	"github.com/jonesrussell/curator/internal/domain"
)

// FallbackLabeler names clusters from their members' metadata without
// calling out: the most common location, else a generic collection name.
type FallbackLabeler struct{}

// Label implements Labeler. It never fails.
func (FallbackLabeler) Label(_ context.Context, category domain.Category, items []domain.ItemSummary) (domain.ClusterLabel, error) {
	return FallbackLabel(category, items), nil
}

// FallbackLabel builds a rule-based label.
func FallbackLabel(category domain.Category, items []domain.ItemSummary) domain.ClusterLabel {
	cat := string(category)
	lower := strings.ToLower(cat)

	if loc := commonLocation(items); loc != "" {
		return domain.ClusterLabel{
			Label:       cat + " in " + loc,
			Description: "Saved " + lower + " content related to " + loc + ".",
		}
	}
	for _, it := range items {
		if strings.TrimSpace(it.Topic) != "" {
			return domain.ClusterLabel{
				Label:       cat + " Collection",
				Description: "A collection of " + lower + " content.",
			}
		}
	}
	return domain.ClusterLabel{
		Label:       cat + " Saves",
		Description: "Saved " + lower + " items.",
	}
}

// commonLocation returns the location named by the most items, breaking ties
// alphabetically.
func commonLocation(items []domain.ItemSummary) string {
	counts := make(map[string]int)
	display := make(map[string]string)
	for _, it := range items {
		seen := make(map[string]bool)
		for _, loc := range it.Locations {
			loc = strings.TrimSpace(loc)
			key := strings.ToLower(loc)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
			if _, ok := display[key]; !ok {
				display[key] = loc
			}
		}
	}
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if counts[keys[a]] != counts[keys[b]] {
			return counts[keys[a]] > counts[keys[b]]
		}
		return keys[a] < keys[b]
	})
	return display[keys[0]]
}
