package transport

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
)

// Call — запись вызова Fake.
type Call struct {
	Op      string
	From    int64
	To      int64
	IDs     []int
	Text    string
	Options any
}

// Fake — Transport в памяти для тестов. Сообщения задаются через Put; перед
// каждым вызовом спрашивается Hook, который может вернуть ошибку.
type Fake struct {
	mu       sync.Mutex
	messages map[int64]map[int]*Message
	calls    []Call
	nextID   int
	offline  bool

	// Hook вызывается перед каждой операцией; ненулевая ошибка возвращается вызывающему.
	Hook func(op string, to int64) error
}

// NewFake создаёт пустой фейк.
func NewFake() *Fake {
	return &Fake{messages: make(map[int64]map[int]*Message), nextID: 1000}
}

// Put добавляет сообщения в историю чата.
func (f *Fake) Put(msgs ...*Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		chat := f.messages[m.ChatID]
		if chat == nil {
			chat = make(map[int]*Message)
			f.messages[m.ChatID] = chat
		}
		chat[m.ID] = m
	}
}

// SetOffline переключает IsConnected.
func (f *Fake) SetOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

// Calls возвращает копию журнала вызовов.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsOf возвращает вызовы операции op.
func (f *Fake) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(c Call) error {
	if f.Hook != nil {
		if err := f.Hook(c.Op, c.To); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return nil
}

func (f *Fake) newIDs(n int) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, n)
	for i := range out {
		f.nextID++
		out[i] = f.nextID
	}
	return out
}

func (f *Fake) GetMessages(_ context.Context, chat int64, ids []int) ([]*Message, error) {
	if err := f.record(Call{Op: "get", From: chat, IDs: ids}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, len(ids))
	for i, id := range ids {
		out[i] = f.messages[chat][id]
	}
	return out, nil
}

func (f *Fake) IterMessages(ctx context.Context, chat int64, opts IterOptions, fn func(*Message) bool) error {
	if err := f.record(Call{Op: "iter", From: chat, Options: opts}); err != nil {
		return err
	}
	f.mu.Lock()
	var list []*Message
	for _, m := range f.messages[chat] {
		if !opts.Since.IsZero() && m.Date.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && m.Date.After(opts.Until) {
			continue
		}
		list = append(list, m)
	}
	f.mu.Unlock()
	slices.SortFunc(list, func(a, b *Message) int { return b.ID - a.ID })
	for i, m := range list {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(m) {
			break
		}
	}
	return nil
}

func (f *Fake) ForwardMessages(_ context.Context, from, to int64, ids []int, opts ForwardOptions) ([]int, error) {
	if err := f.record(Call{Op: "forward", From: from, To: to, IDs: slices.Clone(ids), Options: opts}); err != nil {
		return nil, err
	}
	return f.newIDs(len(ids)), nil
}

func (f *Fake) SendMessage(_ context.Context, to int64, text string, opts SendOptions) (int, error) {
	if err := f.record(Call{Op: "send", To: to, Text: text, Options: opts}); err != nil {
		return 0, err
	}
	return f.newIDs(1)[0], nil
}

func (f *Fake) SendMedia(_ context.Context, to int64, msgs []*Message, caption string, opts SendOptions) ([]int, error) {
	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := f.record(Call{Op: "send_media", To: to, IDs: ids, Text: caption, Options: opts}); err != nil {
		return nil, err
	}
	return f.newIDs(len(msgs)), nil
}

func (f *Fake) SendFile(_ context.Context, to int64, path, caption string, opts SendOptions) (int, error) {
	if err := f.record(Call{Op: "send_file", To: to, Text: path + "|" + caption, Options: opts}); err != nil {
		return 0, err
	}
	return f.newIDs(1)[0], nil
}

func (f *Fake) DownloadMedia(_ context.Context, msg *Message, dir string) (string, error) {
	if err := f.record(Call{Op: "download", From: msg.ChatID, IDs: []int{msg.ID}}); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := strconv.FormatInt(msg.ChatID, 10) + "_" + strconv.Itoa(msg.ID)
	if ext := msg.Media.Extension(); ext != "" {
		name += "." + ext
	}
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte("media"), 0o600)
}

func (f *Fake) DeleteMessages(_ context.Context, chat int64, ids []int) error {
	return f.record(Call{Op: "delete", From: chat, IDs: slices.Clone(ids)})
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *Fake) WaitOnline(ctx context.Context) error {
	if f.IsConnected() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

var _ Transport = (*Fake)(nil)
