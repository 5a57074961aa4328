package records

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Filter is the set of change types a read keeps.
type Filter struct {
	Added   bool
	Updated bool
	Deleted bool
}

// ParseFilter reads a comma separated, case-insensitive list of ADDED, UPDATED and DELETED.
// Unknown tokens are ignored.
func ParseFilter(raw string) Filter {
	var f Filter
	for _, token := range strings.Split(raw, ",") {
		switch models.LastAction(strings.ToUpper(strings.TrimSpace(token))) {
		case models.LastActionAdded:
			f.Added = true
		case models.LastActionUpdated:
			f.Updated = true
		case models.LastActionDeleted:
			f.Deleted = true
		}
	}
	return f
}

// filterCondition renders the union of the selected change types, or "" when nothing is filtered out.
func filterCondition(f Filter) string {
	switch {
	case f.Added && f.Updated && f.Deleted, !f.Added && !f.Updated && !f.Deleted:
		return ""
	case f.Added && f.Updated:
		return "deleted_at IS NULL"
	case f.Updated && f.Deleted:
		return "(deleted_at IS NOT NULL OR created_at <> updated_at)"
	case f.Added && f.Deleted:
		return "(deleted_at IS NOT NULL OR created_at = updated_at)"
	case f.Added:
		return "(deleted_at IS NULL AND created_at = updated_at)"
	case f.Updated:
		return "(deleted_at IS NULL AND created_at <> updated_at)"
	default:
		return "deleted_at IS NOT NULL"
	}
}
