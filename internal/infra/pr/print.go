// Package pr — вывод CLI форвардера поверх readline. Журнал пишется в буферы
// readline, поэтому строка ввода (код подтверждения при логине) не ломается
// параллельными записями. Мьютекс защищает только смену writer'ов.
package pr

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
)

var (
	mu     sync.Mutex
	rl     *readline.Instance
	stdin  io.Closer // отменяемый stdin: закрытие даёт io.EOF ожидающему Readline
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// Init подключает readline и перенаправляет вывод в его stdout/stderr.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return errors.Wrap(err, "init readline")
	}

	mu.Lock()
	defer mu.Unlock()
	rl, stdin = inst, cs
	out, errOut = inst.Stdout(), inst.Stderr()
	return nil
}

// Close прерывает ожидание ввода, освобождает readline и возвращает вывод на
// os.Stdout/os.Stderr. Повторный вызов безопасен.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
		stdin = nil
	}
	if rl != nil {
		_ = rl.Close()
		rl = nil
	}
	out, errOut = os.Stdout, os.Stderr
}

// ReadLine выводит приглашение и читает строку без краевых пробелов.
func ReadLine(prompt string) (string, error) {
	mu.Lock()
	inst := rl
	mu.Unlock()
	if inst == nil {
		return "", errors.New("interactive input is not initialized")
	}
	inst.SetPrompt(prompt)
	line, err := inst.Readline()
	return strings.TrimSpace(line), err
}

func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any) { fmt.Fprint(Stdout(), a...) }

func Println(a ...any) { fmt.Fprintln(Stdout(), a...) }

func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrintln(a ...any) { fmt.Fprintln(Stderr(), a...) }

// Field — строка вывода «имя: значение».
type Field struct {
	Name  string
	Value any
}

// Fields печатает поля выровненными столбцами.
func Fields(fields ...Field) {
	tw := tabwriter.NewWriter(Stdout(), 0, 0, 2, ' ', 0) //nolint:mnd
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%v\n", f.Name, f.Value)
	}
	_ = tw.Flush()
}

// PP печатает значение со всеми полями (правила, статусы) в читаемом виде.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
