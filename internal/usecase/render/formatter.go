package render

import (
	"fmt"
	"html"
	"strings"

	"paper-digest-bot/internal/domain"
)

// FormatPaper формирует HTML-представление одной статьи для отправки в чат.
// Каждая статья уходит отдельным сообщением, чтобы реакция однозначно
// указывала на статью.
func FormatPaper(p domain.Paper) string {
	var b strings.Builder

	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = p.ID
	}
	if url := strings.TrimSpace(p.URL); url != "" {
		b.WriteString(fmt.Sprintf("📄 <b><a href=\"%s\">%s</a></b>", html.EscapeString(url), html.EscapeString(title)))
	} else {
		b.WriteString("📄 <b>" + html.EscapeString(title) + "</b>")
	}

	if authors := joinNonEmpty(p.Authors, ", "); authors != "" {
		b.WriteString("\n👤 " + html.EscapeString(authors))
	}
	if p.Score > 0 {
		b.WriteString(fmt.Sprintf("\n⭐ %.2f", p.Score))
	}
	if keywords := joinNonEmpty(p.Keywords, ", "); keywords != "" {
		b.WriteString("\n🏷 " + html.EscapeString(keywords))
	}
	if summary := strings.TrimSpace(p.Summary); summary != "" {
		b.WriteString("\n\n" + html.EscapeString(summary))
	}

	return strings.TrimSpace(b.String())
}

// FormatHeader формирует заголовок выпуска рекомендаций.
func FormatHeader(count int) string {
	return fmt.Sprintf("🗞 <b>Свежие рекомендации</b>\nСтатей в выпуске: %d. Реакция на сообщение сохранит ваше предпочтение.", count)
}

func joinNonEmpty(values []string, sep string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return strings.Join(out, sep)
}
