// Package bloom — потокобезопасный bloom-фильтр «виденных» сигнатур с
// сохранением в файл. Снимок хранится в CBOR-конверте вместе с параметрами;
// при несовпадении параметров снимок игнорируется.
package bloom

import (
	"os"
	"sync"

	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/storage"

	bbloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const snapshotVersion = 1

// Значения по умолчанию.
const (
	DefaultCapacity = 1_000_000
	DefaultFPRate   = 0.001
)

// envelope — формат файла снимка.
type envelope struct {
	Version int     `cbor:"version"`
	N       uint    `cbor:"n"`
	FP      float64 `cbor:"fp"`
	M       uint    `cbor:"m"`
	K       uint    `cbor:"k"`
	Bits    []byte  `cbor:"bits"`
}

// Filter оборачивает bits-and-blooms фильтр мьютексом и помнит параметры.
type Filter struct {
	mu     sync.RWMutex
	filter *bbloom.BloomFilter
	n      uint
	fp     float64
	added  uint64
}

// New создаёт пустой фильтр под ёмкость n и вероятность ложного срабатывания fp.
// m и k вычисляются по стандартным формулам.
func New(n uint, fp float64) *Filter {
	if n == 0 {
		n = DefaultCapacity
	}
	if fp <= 0 || fp >= 1 {
		fp = DefaultFPRate
	}
	m, k := bbloom.EstimateParameters(n, fp)
	return &Filter{filter: bbloom.New(m, k), n: n, fp: fp}
}

// Add отмечает элемент как виденный.
func (f *Filter) Add(item string) {
	f.mu.Lock()
	f.filter.AddString(item)
	f.added++
	f.mu.Unlock()
}

// Contains возвращает false, если элемент точно не добавлялся.
func (f *Filter) Contains(item string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(item)
}

// Params возвращает (n, fp, m, k).
func (f *Filter) Params() (uint, float64, uint, uint) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.n, f.fp, f.filter.Cap(), f.filter.K()
}

// Added — число вызовов Add с момента создания или загрузки.
func (f *Filter) Added() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.added
}

// Reset очищает фильтр.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.filter.ClearAll()
	f.added = 0
	f.mu.Unlock()
}

// Save атомарно записывает снимок в path.
func (f *Filter) Save(path string) error {
	f.mu.RLock()
	bits, err := f.filter.MarshalBinary()
	env := envelope{
		Version: snapshotVersion,
		N:       f.n,
		FP:      f.fp,
		M:       f.filter.Cap(),
		K:       f.filter.K(),
	}
	f.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "marshal bloom bits")
	}
	env.Bits = bits

	data, err := cbor.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode bloom snapshot")
	}
	if err = storage.AtomicWriteFile(path, data); err != nil {
		return errors.Wrap(err, "write bloom snapshot")
	}
	return nil
}

// Load восстанавливает фильтр из path. Отсутствующий файл не ошибка. Снимок с
// другими параметрами (или битый) отбрасывается, фильтр остаётся пустым.
func Load(path string, n uint, fp float64) (*Filter, error) {
	f := New(n, fp)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, errors.Wrap(err, "read bloom snapshot")
	}

	var env envelope
	if err = cbor.Unmarshal(data, &env); err != nil {
		logger.Warn("Bloom snapshot is corrupted, starting empty", zap.String("path", path), zap.Error(err))
		return f, nil
	}
	_, _, m, k := f.Params()
	if env.Version != snapshotVersion || env.N != f.n || env.FP != f.fp || env.M != m || env.K != k {
		logger.Warn("Bloom snapshot parameters mismatch, starting empty",
			zap.String("path", path),
			zap.Uint("snapshot_n", env.N),
			zap.Float64("snapshot_fp", env.FP),
			zap.Uint("n", f.n),
			zap.Float64("fp", f.fp),
		)
		return f, nil
	}

	restored := &bbloom.BloomFilter{}
	if err = restored.UnmarshalBinary(env.Bits); err != nil {
		logger.Warn("Bloom snapshot bits are corrupted, starting empty", zap.String("path", path), zap.Error(err))
		return f, nil
	}
	f.filter = restored
	logger.Info("Bloom filter restored", zap.String("path", path), zap.Uint("m", m), zap.Uint("k", k))
	return f, nil
}
