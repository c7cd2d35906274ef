package dedup

import (
	"encoding/binary"
	"math/bits"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	minHashPerm   = 64
	lshBands      = 16
	lshRows       = minHashPerm / lshBands
	minSimRunes   = 10
	maxDocsPerKey = 2000
	mersennePrime = (1 << 61) - 1
)

// permutations — фиксированные коэффициенты (a, b) для h' = (a·h + b) mod p.
var permutations = func() [minHashPerm][2]uint64 {
	var out [minHashPerm][2]uint64
	r := rand.New(rand.NewPCG(0x5eed, 0xf0f0)) //nolint:gosec
	for i := range out {
		out[i] = [2]uint64{r.Uint64N(mersennePrime-1) + 1, r.Uint64N(mersennePrime)}
	}
	return out
}()

type signatureVec [minHashPerm]uint64

// shingles разбивает нормализованный текст на пары слов; короткий текст из
// одного слова режется на символьные триграммы.
func shingles(text string) []string {
	words := strings.Fields(text)
	if len(words) >= 2 { //nolint:mnd
		out := make([]string, 0, len(words)-1)
		for i := 0; i+1 < len(words); i++ {
			out = append(out, words[i]+" "+words[i+1])
		}
		return out
	}
	runes := []rune(text)
	if len(runes) < 3 { //nolint:mnd
		return []string{text}
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// mulmod считает a·b mod (2^61−1) через 128-битное произведение;
// 2^64 ≡ 2^3 по этому модулю.
func mulmod(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	r := (lo & mersennePrime) + (lo >> 61) + (hi << 3)
	for r >= mersennePrime {
		r -= mersennePrime
	}
	return r
}

func minHash(text string) signatureVec {
	var sig signatureVec
	for i := range sig {
		sig[i] = mersennePrime
	}
	for _, sh := range shingles(text) {
		x := xxhash.Sum64String(sh) % mersennePrime
		for i, p := range permutations {
			v := (mulmod(p[0], x) + p[1]) % mersennePrime
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

func (s *signatureVec) jaccard(o *signatureVec) float64 {
	same := 0
	for i := range s {
		if s[i] == o[i] {
			same++
		}
	}
	return float64(same) / minHashPerm
}

func (s *signatureVec) bandKeys() [lshBands]uint64 {
	var keys [lshBands]uint64
	for b := range lshBands {
		var buf [lshRows * 8]byte
		for r := range lshRows {
			binary.LittleEndian.PutUint64(buf[r*8:], s[b*lshRows+r])
		}
		keys[b] = xxhash.Sum64(buf[:])
	}
	return keys
}

type simDoc struct {
	sig   signatureVec
	added time.Time
}

// lshIndex — LSH по MinHash для одного чата-получателя. Ограничен по числу
// документов: старые вытесняются FIFO.
type lshIndex struct {
	docs    []*simDoc
	buckets [lshBands]map[uint64][]*simDoc
}

func newLSHIndex() *lshIndex {
	idx := &lshIndex{}
	for i := range idx.buckets {
		idx.buckets[i] = make(map[uint64][]*simDoc)
	}
	return idx
}

func (x *lshIndex) add(sig signatureVec, at time.Time) {
	doc := &simDoc{sig: sig, added: at}
	keys := sig.bandKeys()
	for b, k := range keys {
		x.buckets[b][k] = append(x.buckets[b][k], doc)
	}
	x.docs = append(x.docs, doc)
	if len(x.docs) > maxDocsPerKey {
		x.rebuild(x.docs[len(x.docs)-maxDocsPerKey:])
	}
}

func (x *lshIndex) query(sig signatureVec, threshold float64, since time.Time) (float64, bool) {
	keys := sig.bandKeys()
	seen := make(map[*simDoc]struct{})
	for b, k := range keys {
		for _, doc := range x.buckets[b][k] {
			if _, ok := seen[doc]; ok {
				continue
			}
			seen[doc] = struct{}{}
			if !since.IsZero() && doc.added.Before(since) {
				continue
			}
			if j := sig.jaccard(&doc.sig); j >= threshold {
				return j, true
			}
		}
	}
	return 0, false
}

func (x *lshIndex) evictBefore(since time.Time) {
	keep := x.docs[:0:0]
	for _, d := range x.docs {
		if !d.added.Before(since) {
			keep = append(keep, d)
		}
	}
	if len(keep) != len(x.docs) {
		x.rebuild(keep)
	}
}

func (x *lshIndex) rebuild(docs []*simDoc) {
	fresh := newLSHIndex()
	for _, d := range docs {
		keys := d.sig.bandKeys()
		for b, k := range keys {
			fresh.buckets[b][k] = append(fresh.buckets[b][k], d)
		}
	}
	fresh.docs = append([]*simDoc(nil), docs...)
	*x = *fresh
}

// similarityIndex — набор LSH-индексов по чатам.
type similarityIndex struct {
	mu     sync.Mutex
	byChat map[string]*lshIndex
}

func newSimilarityIndex() *similarityIndex {
	return &similarityIndex{byChat: make(map[string]*lshIndex)}
}

// eligibleForSimilarity сообщает, достаточно ли текста для сравнения.
func eligibleForSimilarity(normalized string) bool {
	return utf8.RuneCountInString(normalized) >= minSimRunes
}

func (s *similarityIndex) match(chatID, normalized string, threshold float64, since time.Time) (float64, bool) {
	sig := minHash(normalized)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byChat[chatID]
	if !ok {
		return 0, false
	}
	return idx.query(sig, threshold, since)
}

func (s *similarityIndex) add(chatID, normalized string, at time.Time) {
	sig := minHash(normalized)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byChat[chatID]
	if !ok {
		idx = newLSHIndex()
		s.byChat[chatID] = idx
	}
	idx.add(sig, at)
}

func (s *similarityIndex) evictBefore(since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chat, idx := range s.byChat {
		idx.evictBefore(since)
		if len(idx.docs) == 0 {
			delete(s.byChat, chat)
		}
	}
}
