// Package filters — допуск сообщения по правилу пересылки.
//
// Конвейер проверки одного правила:
//  1. фильтр отправителя (allow/deny по списку RuleSender);
//  2. ключевые слова в режиме правила (whitelist, blacklist и их комбинации);
//  3. медиа: маска типов, расширения, диапазоны размера, длительности и
//     разрешения; при блокировке медиа текст может пройти один;
//  4. упорядоченные замены текста.
//
// Ключевые слова бывают буквальные и регулярные. Буквальные ищутся
// автоматом Ахо-Корасик как подстроки без учёта регистра; автомат строится
// один раз на (rule_id, хэш набора слов). Регулярные компилируются с флагом
// (?i) и кэшируются по шаблону. Пустой список никогда не совпадает, поэтому
// пустой белый список не пропускает ничего.
package filters

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/logger"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"
)

const (
	automatonCacheSize = 1024
	regexCacheSize     = 4096
)

type automatonKey struct {
	ruleID uint
	hash   uint64
}

// Matcher сопоставляет текст со списками ключевых слов правила.
// Безопасен для конкурентного использования.
type Matcher struct {
	automata *lru.Cache[automatonKey, ahocorasick.AhoCorasick]
	regexps  *lru.Cache[string, *regexp.Regexp]
	builder  ahocorasick.AhoCorasickBuilder
}

// NewMatcher создаёт сопоставитель с пустыми кэшами.
func NewMatcher() *Matcher {
	automata, _ := lru.New[automatonKey, ahocorasick.AhoCorasick](automatonCacheSize)
	regexps, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &Matcher{
		automata: automata,
		regexps:  regexps,
		builder: ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
			MatchKind: ahocorasick.LeftMostLongestMatch,
			DFA:       true,
		}),
	}
}

// AnyMatch сообщает, встречается ли в text хотя бы одно слово из kws.
// Пустой список или пустой текст не совпадают никогда.
func (m *Matcher) AnyMatch(ruleID uint, kws []models.Keyword, text string) bool {
	if len(kws) == 0 || text == "" {
		return false
	}

	var literals []string
	for _, kw := range kws {
		if kw.Keyword == "" {
			continue
		}
		if !kw.IsRegex {
			literals = append(literals, strings.ToLower(kw.Keyword))
			continue
		}
		if re := m.regex(kw.Keyword); re != nil && re.MatchString(text) {
			return true
		}
	}
	if len(literals) == 0 {
		return false
	}

	ac := m.automaton(ruleID, literals)
	return len(ac.FindAll(strings.ToLower(text))) > 0
}

func (m *Matcher) automaton(ruleID uint, literals []string) ahocorasick.AhoCorasick {
	key := automatonKey{ruleID: ruleID, hash: xxhash.Sum64String(strings.Join(literals, "\x00"))}
	if ac, ok := m.automata.Get(key); ok {
		return ac
	}
	ac := m.builder.Build(literals)
	m.automata.Add(key, ac)
	return ac
}

// regex возвращает скомпилированный регистронезависимый шаблон; для
// невалидного шаблона кэшируется nil, чтобы ошибка логировалась один раз.
func (m *Matcher) regex(pattern string) *regexp.Regexp {
	if re, ok := m.regexps.Get(pattern); ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logger.Warn("invalid keyword regex", zap.String("pattern", pattern), zap.Error(err))
		re = nil
	}
	m.regexps.Add(pattern, re)
	return re
}

// compile возвращает шаблон замены с учётом регистра (кэш общий с ключевыми
// словами, ключ отличается префиксом).
func (m *Matcher) compile(pattern string) *regexp.Regexp {
	key := "replace:" + pattern
	if re, ok := m.regexps.Get(key); ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("invalid replace pattern", zap.String("pattern", pattern), zap.Error(err))
		re = nil
	}
	m.regexps.Add(key, re)
	return re
}

// Admit применяет режим правила к тексту и возвращает true, если сообщение
// проходит ключевые слова.
func (m *Matcher) Admit(rule *models.ForwardingRule, text string) bool {
	white, black := split(rule.Keywords)
	whiteHit := func() bool { return m.AnyMatch(rule.ID, white, text) }
	blackHit := func() bool { return m.AnyMatch(rule.ID, black, text) }

	switch rule.ForwardMode {
	case models.ModeWhitelist:
		if !whiteHit() {
			return false
		}
		return !(rule.EnableReverseBlacklist && blackHit())
	case models.ModeBlacklist:
		if blackHit() {
			return rule.EnableReverseWhitelist && whiteHit()
		}
		return true
	case models.ModeWhitelistThenBlacklist:
		return whiteHit() && !blackHit()
	case models.ModeBlacklistThenWhitelist:
		if blackHit() {
			return rule.EnableReverseWhitelist && whiteHit()
		}
		return rule.EnableReverseWhitelist || whiteHit()
	default:
		logger.Error("unknown forward mode",
			zap.Uint("rule_id", rule.ID),
			zap.String("mode", string(rule.ForwardMode)),
		)
		return false
	}
}

func split(kws []models.Keyword) (white, black []models.Keyword) {
	for _, kw := range kws {
		if kw.IsBlacklist {
			black = append(black, kw)
		} else {
			white = append(white, kw)
		}
	}
	return white, black
}

// Replace применяет замены правила по порядку Position. Невалидные шаблоны
// пропускаются. Второе значение — изменился ли текст.
func (m *Matcher) Replace(rule *models.ForwardingRule, text string) (string, bool) {
	rules := slices.Clone(rule.ReplaceRules)
	slices.SortStableFunc(rules, func(a, b models.ReplaceRule) int { return cmp.Compare(a.Position, b.Position) })

	out := text
	for _, rr := range rules {
		re := m.compile(rr.Pattern)
		if re == nil {
			continue
		}
		out = re.ReplaceAllString(out, rr.Content)
	}
	return out, out != text
}
