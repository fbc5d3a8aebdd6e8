package settings

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки разбора строки настроек.
var (
	ErrEmptyInput    = errors.New("settings: empty input")
	ErrUnknownField  = errors.New("settings: unknown field")
	ErrBadRepoFormat = errors.New("settings: repo must look like user/name")
)

// Update — разобранная строка настроек; nil-поле в строке отсутствовало.
type Update struct {
	PAT      *string
	RepoUser *string
	RepoName *string
	Cron     *string
	Timezone *string
}

// Empty сообщает, что строка не содержит ни одного поля.
func (u Update) Empty() bool {
	return u.PAT == nil && u.RepoUser == nil && u.Cron == nil && u.Timezone == nil
}

// ParseUpdate разбирает строку вида
//
//	pat:ghp_xxx;repo:alice/papers;cron:0 9 * * *;timezone:Europe/Amsterdam
//
// Поля опциональны и разделены точкой с запятой, значение — всё после
// первого двоеточия.
func ParseUpdate(text string) (Update, error) {
	var upd Update
	text = strings.TrimSpace(text)
	if text == "" {
		return upd, ErrEmptyInput
	}
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, ":")
		if !found {
			return Update{}, fmt.Errorf("%w: %q", ErrUnknownField, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "pat":
			upd.PAT = &value
		case "repo":
			owner, name, ok := strings.Cut(value, "/")
			owner = strings.TrimSpace(owner)
			name = strings.TrimSpace(name)
			if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
				return Update{}, fmt.Errorf("%w: %q", ErrBadRepoFormat, value)
			}
			upd.RepoUser = &owner
			upd.RepoName = &name
		case "cron":
			upd.Cron = &value
		case "timezone":
			upd.Timezone = &value
		default:
			return Update{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}
	if upd.Empty() {
		return Update{}, ErrEmptyInput
	}
	return upd, nil
}
