package model

// MatchClass is the outcome of comparing one incoming record against one
// existing entity.
type MatchClass string

const (
	// MatchSame means the pair refer to the same identity and may be
	// auto-merged.
	MatchSame MatchClass = "same"
	// MatchPossibleDuplicate means the pair are close enough to flag but
	// must never be silently merged.
	MatchPossibleDuplicate MatchClass = "possible_duplicate"
	// MatchDistinct means the pair are different identities.
	MatchDistinct MatchClass = "distinct"
)

// MatchCandidate is the transient result of scoring one incoming record
// against one entity. Not persisted.
type MatchCandidate struct {
	EntityID    string             `json:"entity_id"`
	Entity      *EntityRecord      `json:"-"`
	FieldScores map[string]float64 `json:"field_scores"`
	Score       float64            `json:"score"`
	Class       MatchClass         `json:"class"`
}
