package tgutil

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

const channelPrefix = "100"

// channelLongLen — минимальная длина положительного идентификатора в форме
// "100XXXXXXXXXX", которую считаем канальной.
const channelLongLen = 13

// Normalize приводит любую запись идентификатора чата ("12345", "-12345",
// "-10012345", "1001234567890") к неотрицательной форме без префикса -100.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty chat id")
	}
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return "", errors.Errorf("invalid chat id %q", raw)
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return "", errors.Errorf("invalid chat id %q", raw)
	}
	switch {
	case negative && strings.HasPrefix(s, channelPrefix) && len(s) > len(channelPrefix):
		s = s[len(channelPrefix):]
	case !negative && strings.HasPrefix(s, channelPrefix) && len(s) >= channelLongLen:
		s = s[len(channelPrefix):]
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return s, nil
}

// NormalizeInt — Normalize для числового идентификатора.
func NormalizeInt(id int64) string {
	norm, err := Normalize(strconv.FormatInt(id, 10))
	if err != nil {
		return strconv.FormatInt(id, 10)
	}
	return norm
}

// NormalizedInt возвращает нормализованный идентификатор как число.
func NormalizedInt(id int64) int64 {
	v, err := strconv.ParseInt(NormalizeInt(id), 10, 64)
	if err != nil {
		return id
	}
	return v
}

// Candidates возвращает множество эквивалентных строковых форм идентификатора:
// исходную, нормализованную, со знаком и с префиксом -100/100. Порядок
// стабилен: нормализованная форма идёт первой.
func Candidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	norm, err := Normalize(raw)
	if err != nil {
		if raw == "" {
			return nil
		}
		return []string{raw}
	}
	seen := make(map[string]struct{}, 6) //nolint:mnd
	out := make([]string, 0, 6)          //nolint:mnd
	add := func(v string) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	add(norm)
	add(raw)
	add("-" + norm)
	add("-" + channelPrefix + norm)
	add(channelPrefix + norm)
	return out
}

// CandidatesInt — Candidates для числового идентификатора.
func CandidatesInt(id int64) []string {
	return Candidates(strconv.FormatInt(id, 10))
}
