// Package errs задаёт таксономию ошибок обработки задач. Воркер — единственное
// место, где по классу ошибки меняется состояние задачи:
//   - TransientError — повторяемая ошибка (сеть, 5xx, блокировка БД, FloodWait);
//   - PermanentError — повтор бессмысленен (битый payload, сообщение удалено);
//   - CircuitOpenError — автомат размыкания открыт, вызов отклонён без обращения к API.
package errs

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// ErrMessageNotFound — исходное сообщение удалено или недоступно.
var ErrMessageNotFound = errors.New("Source message not found")

// TransientError — ошибка, после которой задачу можно повторить. Seconds > 0
// означает явный интервал ожидания, сообщённый сервером (FloodWait).
type TransientError struct {
	Seconds int
	Err     error
}

func (e *TransientError) Error() string {
	switch {
	case e.Seconds > 0 && e.Err != nil:
		return fmt.Sprintf("transient (wait %ds): %v", e.Seconds, e.Err)
	case e.Seconds > 0:
		return fmt.Sprintf("flood wait %ds", e.Seconds)
	case e.Err != nil:
		return "transient: " + e.Err.Error()
	default:
		return "transient error"
	}
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError — ошибка, которую нельзя исправить повтором.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// StopRetry сообщает троттлеру внешних вызовов, что повторять бессмысленно.
func (e *PermanentError) StopRetry() bool { return true }

// CircuitOpenError возвращается, пока автомат размыкания в состоянии OPEN.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter)
}

// Transient оборачивает err как повторяемую ошибку.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf создаёт повторяемую ошибку из форматированного сообщения.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: errors.Errorf(format, args...)}
}

// FloodWait создаёт повторяемую ошибку с явным ожиданием в секундах.
func FloodWait(seconds int, cause error) error {
	if seconds < 1 {
		seconds = 1
	}
	return &TransientError{Seconds: seconds, Err: cause}
}

// Permanent оборачивает err как неповторяемую ошибку.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf создаёт неповторяемую ошибку из форматированного сообщения.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: errors.Errorf(format, args...)}
}

// IsTransient сообщает, есть ли в цепочке TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent сообщает, есть ли в цепочке PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsCircuitOpen сообщает, есть ли в цепочке CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// FloodWaitSeconds возвращает интервал ожидания из TransientError, если он задан.
func FloodWaitSeconds(err error) (int, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.Seconds > 0 {
		return te.Seconds, true
	}
	return 0, false
}
