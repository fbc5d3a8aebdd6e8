package preference

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"paper-digest-bot/internal/domain"
)

const csvHeaderID = "id"
const csvHeaderPreference = "preference"

// EncodeCSV сериализует записи предпочтений в CSV с заголовком id,preference.
func EncodeCSV(records []domain.PreferenceRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{csvHeaderID, csvHeaderPreference}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		if err := w.Write([]string{r.PaperID, string(r.Preference)}); err != nil {
			return nil, fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCSV разбирает CSV-файл предпочтений. Пустой вход даёт пустой срез.
func DecodeCSV(data []byte) ([]domain.PreferenceRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows[0]) < 2 || rows[0][0] != csvHeaderID || rows[0][1] != csvHeaderPreference {
		return nil, fmt.Errorf("unexpected csv header: %v", rows[0])
	}
	out := make([]domain.PreferenceRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 2 {
			continue
		}
		out = append(out, domain.PreferenceRecord{
			PaperID:    row[0],
			Preference: domain.PreferenceLabel(row[1]),
		})
	}
	return out, nil
}
