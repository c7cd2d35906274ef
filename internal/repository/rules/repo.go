// Package rules — репозиторий правил пересылки. Чтение идёт через два уровня
// кеша: L1 — W-TinyLFU в процессе (TTL 15 с), L2 — постоянный KV (идентификаторы
// правил под rules:source:{id} и rules:target:{id}). Любая запись синхронно
// сбрасывает оба уровня, поэтому устаревшее правило не отдаётся.
package rules

import (
	"context"
	"slices"
	"strconv"
	"time"

	"tg-forwarder/internal/cache/tinylfu"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/kv"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/tgutil"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrChatNotFound — ни один вариант идентификатора не найден в каталоге.
var ErrChatNotFound = errors.New("chat not found")

// ErrRuleNotFound — правило с таким id отсутствует.
var ErrRuleNotFound = errors.New("rule not found")

// Ключи и сроки кеша.
const (
	l1Size          = 1024
	l1TTL           = 15 * time.Second
	priorityMapTTL  = 60 * time.Second
	keySourcePrefix = "rules:source:"
	keyTargetPrefix = "rules:target:"
	keyPriorityMap  = "rules:priority_map"
)

// Repo — репозиторий правил.
type Repo struct {
	db  *gorm.DB
	kv  kv.Store
	l1  *tinylfu.Cache[string, []models.ForwardingRule]
	ttl time.Duration
}

// New создаёт репозиторий. ttl — срок жизни записей L2.
func New(db *gorm.DB, store kv.Store, ttl time.Duration) *Repo {
	if ttl <= 0 {
		ttl = 5 * time.Minute //nolint:mnd
	}
	return &Repo{
		db:  db,
		kv:  store,
		l1:  tinylfu.New[string, []models.ForwardingRule](tinylfu.Options{MaxSize: l1Size, TTL: l1TTL}),
		ttl: ttl,
	}
}

// preloadAll подгружает все связанные сущности правила.
func preloadAll(q *gorm.DB) *gorm.DB {
	return q.
		Preload("SourceChat").
		Preload("TargetChat").
		Preload("Keywords").
		Preload("ReplaceRules", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Preload("MediaTypes").
		Preload("MediaExtensions").
		Preload("PushConfigs").
		Preload("Senders")
}

// FindChat ищет чат по любому варианту идентификатора: сначала по
// нормализованной форме, затем по всему множеству кандидатов.
func (r *Repo) FindChat(ctx context.Context, raw string) (*models.Chat, error) {
	norm, err := tgutil.Normalize(raw)
	if err != nil {
		return nil, errors.Wrap(ErrChatNotFound, err.Error())
	}
	var chat models.Chat
	err = r.db.WithContext(ctx).Where("telegram_chat_id = ?", norm).Take(&chat).Error
	if err == nil {
		return &chat, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "find chat")
	}

	candidates := tgutil.Candidates(raw)
	err = r.db.WithContext(ctx).Where("telegram_chat_id IN ?", candidates).Order("id ASC").Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find chat by candidates")
	}
	logger.Debug("Chat matched by id variant",
		zap.String("raw", raw),
		zap.String("stored", chat.TelegramChatID),
	)
	return &chat, nil
}

// chatIDsFor возвращает внутренние id всех строк каталога, совпавших с любым
// вариантом идентификатора.
func (r *Repo) chatIDsFor(ctx context.Context, raw string) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Chat{}).
		Where("telegram_chat_id IN ?", tgutil.Candidates(raw)).
		Pluck("id", &ids).Error
	if err != nil {
		return ids, errors.Wrap(err, "resolve chat ids")
	}
	return ids, nil
}

// GetRulesForSourceChat возвращает включённые правила, для которых чат
// является источником (напрямую или через forward_mapping). Порядок:
// priority по убыванию, затем id.
func (r *Repo) GetRulesForSourceChat(ctx context.Context, chatID int64) ([]models.ForwardingRule, error) {
	return r.rulesFor(ctx, "source", keySourcePrefix, chatID)
}

// GetRulesForTargetChat — симметрично для чата-получателя.
func (r *Repo) GetRulesForTargetChat(ctx context.Context, chatID int64) ([]models.ForwardingRule, error) {
	return r.rulesFor(ctx, "target", keyTargetPrefix, chatID)
}

func (r *Repo) rulesFor(ctx context.Context, side, l2Prefix string, chatID int64) ([]models.ForwardingRule, error) {
	norm := tgutil.NormalizeInt(chatID)
	l1Key := side + ":" + norm
	if cached, ok := r.l1.Get(l1Key); ok {
		return slices.Clone(cached), nil
	}

	l2Key := l2Prefix + norm
	var ids []uint
	if ok, err := kv.GetJSON(ctx, r.kv, l2Key, &ids); err != nil {
		logger.Warn("Rule cache read failed", zap.String("key", l2Key), zap.Error(err))
	} else if ok {
		rules, err := r.loadByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		r.l1.Set(l1Key, rules)
		return slices.Clone(rules), nil
	}

	rules, err := r.queryRules(ctx, side, norm)
	if err != nil {
		return nil, err
	}
	ids = make([]uint, len(rules))
	for i := range rules {
		ids[i] = rules[i].ID
	}
	if err := kv.SetJSON(ctx, r.kv, l2Key, ids, r.ttl); err != nil {
		logger.Warn("Rule cache write failed", zap.String("key", l2Key), zap.Error(err))
	}
	r.l1.Set(l1Key, rules)
	return slices.Clone(rules), nil
}

func (r *Repo) queryRules(ctx context.Context, side, norm string) ([]models.ForwardingRule, error) {
	chatIDs, err := r.chatIDsFor(ctx, norm)
	if err != nil {
		return nil, err
	}
	if len(chatIDs) == 0 {
		return nil, nil
	}

	column := "source_chat_id"
	if side == "target" {
		column = "target_chat_id"
	}
	db := r.db.WithContext(ctx)
	mapped := db.Model(&models.ForwardMapping{}).
		Select("rule_id").
		Where(column+" IN ? AND enabled = ?", chatIDs, true)

	var rules []models.ForwardingRule
	err = preloadAll(db.Model(&models.ForwardingRule{})).
		Where("enable_rule = ?", true).
		Where(db.Where(column+" IN ?", chatIDs).Or("id IN (?)", mapped)).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrapf(err, "query %s rules", side)
	}
	return rules, nil
}

// loadByIDs подгружает правила по id из L2, отбрасывая выключенные.
func (r *Repo) loadByIDs(ctx context.Context, ids []uint) ([]models.ForwardingRule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rules []models.ForwardingRule
	err := preloadAll(r.db.WithContext(ctx)).
		Where("id IN ? AND enable_rule = ?", ids, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return rules, errors.Wrap(err, "load rules by ids")
	}
	return rules, nil
}

// GetPriorityMap возвращает {нормализованный id чата-источника → максимальный
// priority} по включённым правилам. Кешируется в L2 на 60 с.
func (r *Repo) GetPriorityMap(ctx context.Context) (map[int64]int, error) {
	var cached map[int64]int
	if ok, err := kv.GetJSON(ctx, r.kv, keyPriorityMap, &cached); err == nil && ok {
		return cached, nil
	}

	type row struct {
		TelegramChatID string
		Priority       int
	}
	var direct, mapped []row
	db := r.db.WithContext(ctx)
	err := db.Table("forwarding_rule AS r").
		Select("c.telegram_chat_id AS telegram_chat_id, MAX(r.priority) AS priority").
		Joins("JOIN chat c ON c.id = r.source_chat_id").
		Where("r.enable_rule = ?", true).
		Group("c.telegram_chat_id").
		Scan(&direct).Error
	if err != nil {
		return nil, errors.Wrap(err, "priority map")
	}
	err = db.Table("forward_mapping AS m").
		Select("c.telegram_chat_id AS telegram_chat_id, MAX(r.priority) AS priority").
		Joins("JOIN forwarding_rule r ON r.id = m.rule_id").
		Joins("JOIN chat c ON c.id = m.source_chat_id").
		Where("m.enabled = ? AND r.enable_rule = ?", true, true).
		Group("c.telegram_chat_id").
		Scan(&mapped).Error
	if err != nil {
		return nil, errors.Wrap(err, "priority map mappings")
	}

	out := make(map[int64]int, len(direct)+len(mapped))
	for _, rw := range append(direct, mapped...) {
		id, err := strconv.ParseInt(rw.TelegramChatID, 10, 64)
		if err != nil {
			continue
		}
		if cur, ok := out[id]; !ok || rw.Priority > cur {
			out[id] = rw.Priority
		}
	}
	if err := kv.SetJSON(ctx, r.kv, keyPriorityMap, out, priorityMapTTL); err != nil {
		logger.Warn("Priority map cache write failed", zap.Error(err))
	}
	return out, nil
}

// ListSummaryRules возвращает включённые правила со сводкой.
func (r *Repo) ListSummaryRules(ctx context.Context) ([]models.ForwardingRule, error) {
	var rules []models.ForwardingRule
	err := preloadAll(r.db.WithContext(ctx)).
		Where("enable_rule = ? AND is_summary = ?", true, true).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return rules, errors.Wrap(err, "list summary rules")
	}
	return rules, nil
}

// GetRule возвращает правило по id со всеми связями.
func (r *Repo) GetRule(ctx context.Context, id uint) (*models.ForwardingRule, error) {
	var rule models.ForwardingRule
	err := preloadAll(r.db.WithContext(ctx)).Take(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get rule")
	}
	return &rule, nil
}

// UpsertChat создаёт или обновляет запись каталога. Идентификатор
// нормализуется; имя и тип обновляются, если заданы.
func (r *Repo) UpsertChat(ctx context.Context, raw, name string, typ models.ChatType) (*models.Chat, error) {
	norm, err := tgutil.Normalize(raw)
	if err != nil {
		return nil, err
	}
	chat, err := r.FindChat(ctx, raw)
	switch {
	case errors.Is(err, ErrChatNotFound):
		chat = &models.Chat{TelegramChatID: norm, Name: name, Type: typ}
		err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "type", "updated_at"}),
		}).Create(chat).Error
		if err != nil {
			return nil, errors.Wrap(err, "create chat")
		}
	case err != nil:
		return nil, err
	default:
		updates := map[string]any{}
		if name != "" && name != chat.Name {
			updates["name"] = name
		}
		if typ != "" && typ != chat.Type {
			updates["type"] = typ
		}
		if len(updates) > 0 {
			if err := r.db.WithContext(ctx).Model(chat).Updates(updates).Error; err != nil {
				return nil, errors.Wrap(err, "update chat")
			}
		}
	}
	r.ClearCache(ctx, chat.TelegramChatID)
	return chat, nil
}

// CreateRule сохраняет правило со связями и сбрасывает кеш обоих концов.
func (r *Repo) CreateRule(ctx context.Context, rule *models.ForwardingRule) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit("SourceChat", "TargetChat").Create(rule).Error
	})
	if err != nil {
		return errors.Wrap(err, "create rule")
	}
	return r.invalidateRule(ctx, rule.ID)
}

// UpdateRule применяет изменения полей (имена колонок) к правилу. Нулевые
// значения записываются как есть.
func (r *Repo) UpdateRule(ctx context.Context, id uint, fields map[string]any) error {
	before, err := r.endpoints(ctx, id)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ForwardingRule{ID: id}).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "update rule")
	}
	r.ClearCache(ctx, before...)
	return r.invalidateRule(ctx, id)
}

// DeleteRule удаляет правило вместе со связями.
func (r *Repo) DeleteRule(ctx context.Context, id uint) error {
	ends, err := r.endpoints(ctx, id)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{
			&models.Keyword{}, &models.ReplaceRule{}, &models.MediaTypes{},
			&models.MediaExtension{}, &models.PushConfig{}, &models.RuleSender{}, &models.ForwardMapping{},
		} {
			if err := tx.Where("rule_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.ForwardingRule{}, id).Error
	})
	if err != nil {
		return errors.Wrap(err, "delete rule")
	}
	r.ClearCache(ctx, ends...)
	return nil
}

// AddKeywords добавляет ключевые слова правилу.
func (r *Repo) AddKeywords(ctx context.Context, ruleID uint, keywords []models.Keyword) error {
	if len(keywords) == 0 {
		return nil
	}
	for i := range keywords {
		keywords[i].ID = 0
		keywords[i].RuleID = ruleID
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&keywords).Error
	})
	if err != nil {
		return errors.Wrap(err, "add keywords")
	}
	return r.invalidateRule(ctx, ruleID)
}

// SetReplaceRules заменяет упорядоченный список замен правила.
func (r *Repo) SetReplaceRules(ctx context.Context, ruleID uint, replaces []models.ReplaceRule) error {
	for i := range replaces {
		replaces[i].ID = 0
		replaces[i].RuleID = ruleID
		replaces[i].Position = i
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", ruleID).Delete(&models.ReplaceRule{}).Error; err != nil {
			return err
		}
		if len(replaces) == 0 {
			return nil
		}
		return tx.Create(&replaces).Error
	})
	if err != nil {
		return errors.Wrap(err, "set replace rules")
	}
	return r.invalidateRule(ctx, ruleID)
}

// AddMapping позволяет чату sourceChatID выступать источником правила ruleID.
func (r *Repo) AddMapping(ctx context.Context, sourceChatID, targetChatID, ruleID uint) error {
	m := models.ForwardMapping{SourceChatID: sourceChatID, TargetChatID: targetChatID, RuleID: ruleID, Enabled: true}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&m).Error
	})
	if err != nil {
		return errors.Wrap(err, "add mapping")
	}
	var chats []models.Chat
	if err := r.db.WithContext(ctx).Where("id IN ?", []uint{sourceChatID, targetChatID}).Find(&chats).Error; err != nil {
		return errors.Wrap(err, "load mapping chats")
	}
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.TelegramChatID)
	}
	r.ClearCache(ctx, ids...)
	return r.invalidateRule(ctx, ruleID)
}

// endpoints возвращает идентификаторы чатов-концов правила.
func (r *Repo) endpoints(ctx context.Context, id uint) ([]string, error) {
	var rule models.ForwardingRule
	err := r.db.WithContext(ctx).Preload("SourceChat").Preload("TargetChat").Take(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load rule endpoints")
	}
	return []string{rule.SourceChat.TelegramChatID, rule.TargetChat.TelegramChatID}, nil
}

func (r *Repo) invalidateRule(ctx context.Context, id uint) error {
	ends, err := r.endpoints(ctx, id)
	if err != nil {
		return err
	}
	r.ClearCache(ctx, ends...)
	return nil
}

// ClearCache сбрасывает L1 и удаляет rules:source:*, rules:target:* и карту
// приоритетов в L2. Ошибки L2 только логируются: TTL всё равно ограничит
// срок жизни устаревших ключей.
func (r *Repo) ClearCache(ctx context.Context, chatIDs ...string) {
	r.l1.Clear()
	for _, prefix := range []string{keySourcePrefix, keyTargetPrefix} {
		if _, err := r.kv.DeletePrefix(ctx, prefix); err != nil {
			logger.Warn("Rule cache prefix eviction failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
	if err := r.kv.Delete(ctx, keyPriorityMap); err != nil {
		logger.Warn("Priority map eviction failed", zap.Error(err))
	}
	logger.Debug("Rule cache cleared", zap.Strings("chats", chatIDs))
}
