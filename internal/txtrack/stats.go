package txtrack

// Stats 聚合了交易状态的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Submitted       int   `json:"submitted"`
	Confirmed       int   `json:"confirmed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(tx *Transaction) {
	s.Total++
	switch tx.Status {
	case StatusPending:
		s.Pending++
	case StatusSubmitted:
		s.Submitted++
	case StatusConfirmed:
		s.Confirmed++
	case StatusFailed:
		s.Failed++
	}
	if tx.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = tx.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (tx.UpdatedAt != 0 && tx.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = tx.UpdatedAt
	}
}
