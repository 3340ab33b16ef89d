package warming

import "sort"

// PriorityZoomLevels and RecentYearsPriority are ported from
// original_source/app/tasks/cache_tasks.py's PRIORITY_ZOOM_LEVELS and
// RECENT_YEARS_PRIORITY constants.
var PriorityZoomLevels = []int{12, 13}

const RecentYearsPriority = 2

// OrderYears sorts years so those no older than currentYear minus
// RecentYearsPriority come first (descending within that window),
// followed by the remaining years, also descending — matching cache_tasks.py's
// `years[:RECENT_YEARS_PRIORITY] + years[RECENT_YEARS_PRIORITY:]` split
// applied after a descending sort.
func OrderYears(years []int, currentYear int) []int {
	sorted := append([]int(nil), years...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	var recent, rest []int
	for _, y := range sorted {
		if y >= currentYear-RecentYearsPriority {
			recent = append(recent, y)
		} else {
			rest = append(rest, y)
		}
	}
	return append(recent, rest...)
}

// OrderZoomLevels places the priority zoom levels first, then the
// remaining configured zoom levels in ascending order.
func OrderZoomLevels(zoomLevels []int) []int {
	priority := make(map[int]bool, len(PriorityZoomLevels))
	for _, z := range PriorityZoomLevels {
		priority[z] = true
	}

	var first, rest []int
	for _, z := range zoomLevels {
		if priority[z] {
			first = append(first, z)
		} else {
			rest = append(rest, z)
		}
	}
	sort.Ints(first)
	sort.Ints(rest)
	return append(first, rest...)
}

// PointPriority orders catalog points so "enhance"-flagged points are
// scheduled first, within a campaign's batch.
func PointPriority(enhance bool) int {
	if enhance {
		return 0
	}
	return 1
}
