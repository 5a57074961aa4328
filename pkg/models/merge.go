package models

// Merge strategies accepted by the upsert engine
const (
	MergeStrategyOverride                    = "override"
	MergeStrategyIgnoreIfModifiedAfterCursor = "ignore_if_modified_after_cursor"
)

// MergingStrategy decides whether an incoming write may overwrite stored state.
// With ignore_if_modified_after_cursor a stored row is only overwritten when its
// (updated_at, id) position is not past Cursor.
type MergingStrategy struct {
	Strategy string `json:"strategy" validate:"omitempty,oneof=override ignore_if_modified_after_cursor"`
	Cursor   string `json:"cursor,omitempty"`
}

// IsStateful is true for strategies that carry a cursor between calls.
func (m MergingStrategy) IsStateful() bool {
	return m.Strategy == MergeStrategyIgnoreIfModifiedAfterCursor
}

// UpsertSummary reports how a batch was classified.
type UpsertSummary struct {
	AddedKeys     []string        `json:"added_keys"`
	UpdatedKeys   []string        `json:"updated_keys"`
	DeletedKeys   []string        `json:"deleted_keys"`
	UnchangedKeys []string        `json:"unchanged_keys"`
	NonUniqueKeys []string        `json:"non_unique_keys"`
	ActivatedKeys []string        `json:"activated_keys"`
	NextMerging   MergingStrategy `json:"next_merging"`
}

// NewUpsertSummary returns a summary with empty, non-nil key lists.
func NewUpsertSummary(nonUniqueKeys []string, merging MergingStrategy) *UpsertSummary {
	if nonUniqueKeys == nil {
		nonUniqueKeys = []string{}
	}
	return &UpsertSummary{
		AddedKeys:     []string{},
		UpdatedKeys:   []string{},
		DeletedKeys:   []string{},
		UnchangedKeys: []string{},
		NonUniqueKeys: nonUniqueKeys,
		ActivatedKeys: []string{},
		NextMerging:   merging,
	}
}
