package preference

import (
	"sort"

	"paper-digest-bot/internal/domain"
)

// Merge объединяет существующие записи предпочтений со свежими.
// Свежая запись побеждает при совпадении статьи; существующие записи,
// не затронутые свежими, сохраняются. Результат отсортирован по PaperID.
func Merge(existing, fresh []domain.PreferenceRecord) []domain.PreferenceRecord {
	seen := make(map[string]domain.PreferenceLabel, len(fresh))
	for _, r := range fresh {
		// Последняя запись с тем же PaperID побеждает.
		seen[r.PaperID] = r.Preference
	}
	merged := make([]domain.PreferenceRecord, 0, len(seen)+len(existing))
	for id, label := range seen {
		merged = append(merged, domain.PreferenceRecord{PaperID: id, Preference: label})
	}
	for _, r := range existing {
		if _, ok := seen[r.PaperID]; !ok {
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].PaperID < merged[j].PaperID })
	return merged
}
