package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	parser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parser6 = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ValidateCron проверяет cron-выражение из 5 или 6 полей
// (6 полей — с секундами).
func ValidateCron(expr string) error {
	expr = strings.TrimSpace(expr)
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		if _, err := parser5.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron %q: %w", expr, err)
		}
	case 6:
		if _, err := parser6.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron %q: %w", expr, err)
		}
	default:
		return fmt.Errorf("invalid cron %q: expected 5 or 6 fields, got %d", expr, len(fields))
	}
	return nil
}

// hasSeconds сообщает, содержит ли валидное выражение поле секунд.
func hasSeconds(expr string) bool {
	return len(strings.Fields(expr)) == 6
}

// ValidateTimezone проверяет имя зоны IANA; пустая строка означает UTC.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// crontab собирает выражение для gocron с учётом зоны пользователя.
func crontab(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}
