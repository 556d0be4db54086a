// Package providertest provides an in-memory MailProvider with scripted
// faults for exercising sync and bulk code without a network.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

const cursorPrefix = "offset:"

// Provider is a scripted in-memory mailbox. Messages are listed in
// insertion order. All methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	name     providers.ProviderName
	email    string
	order    []string
	messages map[string]*providers.MessageMeta

	// delta checkpoints: since -> changes
	deltaCursor string
	changes     map[string]*providers.Changes

	listErrs   []error
	getErrs    map[string]error
	trashErrs  map[string]error
	deleteErrs map[string]error
	profileErr error
	changesErr error

	// ListHook runs before every ListPage call; a non-nil error is returned
	// as the call's result.
	ListHook func(ctx context.Context, cursor string) error
	// ChangesHook runs before every Changes call, like ListHook.
	ChangesHook func(ctx context.Context, since string) error

	listCalls []string
	getCalls  []string
	trashed   []string
	deleted   []string
}

// New creates an empty Gmail-flavoured provider
func New(email string) *Provider {
	return &Provider{
		name:        providers.ProviderGoogle,
		email:       email,
		messages:    make(map[string]*providers.MessageMeta),
		changes:     make(map[string]*providers.Changes),
		getErrs:     make(map[string]error),
		trashErrs:   make(map[string]error),
		deleteErrs:  make(map[string]error),
		deltaCursor: "1",
	}
}

// Message builds a deterministic message for id
func Message(id string) *providers.MessageMeta {
	return &providers.MessageMeta{
		Provider:       providers.ProviderGoogle,
		MessageID:      id,
		ThreadID:       "thread-" + id,
		Subject:        "Subject " + id,
		Sender:         "News <news@shop.example>",
		Snippet:        "snippet " + id,
		ProviderLabels: []string{"INBOX", "UNREAD", "CATEGORY_PROMOTIONS"},
		SizeBytes:      2048,
		Headers:        map[string]string{"List-Unsubscribe": "<https://shop.example/u>"},
		MessageDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Seed adds n generated messages named prefix-0001 onward
func (p *Provider) Seed(prefix string, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-%04d", prefix, i)
		p.Add(Message(id))
		ids = append(ids, id)
	}
	return ids
}

// Add inserts or replaces a message
func (p *Provider) Add(m *providers.MessageMeta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.messages[m.MessageID]; !ok {
		p.order = append(p.order, m.MessageID)
	}
	cp := *m
	p.messages[m.MessageID] = &cp
}

// Remove drops a message from the mailbox
func (p *Provider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *Provider) removeLocked(id string) {
	if _, ok := p.messages[id]; !ok {
		return
	}
	delete(p.messages, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// SetDeltaCursor sets the checkpoint reported by Profile
func (p *Provider) SetDeltaCursor(cursor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltaCursor = cursor
}

// ScriptChanges makes Changes(since) return the given changes and next cursor
func (p *Provider) ScriptChanges(since, next string, changes ...providers.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[since] = &providers.Changes{Changes: changes, NextCursor: next}
}

// FailList queues errors returned by successive ListPage calls
func (p *Provider) FailList(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErrs = append(p.listErrs, errs...)
}

// FailGet makes GetMessage(id) fail with err until cleared with a nil err
func (p *Provider) FailGet(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrClear(p.getErrs, id, err)
}

// FailTrash makes Trash(id) fail with err
func (p *Provider) FailTrash(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrClear(p.trashErrs, id, err)
}

// FailDelete makes Delete(id) fail with err
func (p *Provider) FailDelete(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrClear(p.deleteErrs, id, err)
}

// FailProfile makes Profile fail with err
func (p *Provider) FailProfile(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileErr = err
}

// FailChanges makes Changes fail with err
func (p *Provider) FailChanges(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changesErr = err
}

func setOrClear(m map[string]error, id string, err error) {
	if err == nil {
		delete(m, id)
		return
	}
	m[id] = err
}

// ListCalls returns the cursors ListPage was called with, in order
func (p *Provider) ListCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.listCalls...)
}

// GetCalls returns the ids GetMessage was called with, in order
func (p *Provider) GetCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.getCalls...)
}

// Trashed returns ids successfully trashed, sorted
func (p *Provider) Trashed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.trashed...)
	sort.Strings(out)
	return out
}

// Deleted returns ids successfully deleted, sorted
func (p *Provider) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.deleted...)
	sort.Strings(out)
	return out
}

// Name implements providers.MailProvider
func (p *Provider) Name() providers.ProviderName {
	return p.name
}

// Profile implements providers.MailProvider
func (p *Provider) Profile(ctx context.Context) (*providers.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profileErr != nil {
		return nil, p.profileErr
	}
	return &providers.Profile{
		EmailAddress:  p.email,
		MessagesTotal: int64(len(p.order)),
		DeltaCursor:   p.deltaCursor,
	}, nil
}

// ListPage implements providers.MailProvider. Cursors are "offset:N".
func (p *Provider) ListPage(ctx context.Context, cursor string, pageSize int) (*providers.ListPage, error) {
	p.mu.Lock()
	hook := p.ListHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, cursor); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls = append(p.listCalls, cursor)

	if len(p.listErrs) > 0 {
		err := p.listErrs[0]
		p.listErrs = p.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, cursorPrefix))
		if !strings.HasPrefix(cursor, cursorPrefix) || err != nil || n < 0 || n > len(p.order) {
			return nil, providers.NewError(p.name, providers.ErrInvalidCursor, "list", fmt.Errorf("bad cursor %q", cursor))
		}
		offset = n
	}

	end := offset + pageSize
	if end > len(p.order) {
		end = len(p.order)
	}
	page := &providers.ListPage{EstimatedTotal: int64(len(p.order))}
	for _, id := range p.order[offset:end] {
		m := p.messages[id]
		page.Refs = append(page.Refs, providers.MessageRef{ID: id, ThreadID: m.ThreadID, Version: m.Version})
	}
	if end < len(p.order) {
		page.NextCursor = cursorPrefix + strconv.Itoa(end)
	}
	return page, nil
}

// GetMessage implements providers.MailProvider
func (p *Provider) GetMessage(ctx context.Context, id string) (*providers.MessageMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls = append(p.getCalls, id)
	if err := p.getErrs[id]; err != nil {
		return nil, err
	}
	m, ok := p.messages[id]
	if !ok {
		return nil, providers.NewError(p.name, providers.ErrNotFound, "get", nil)
	}
	cp := *m
	return &cp, nil
}

// Changes implements providers.MailProvider
func (p *Provider) Changes(ctx context.Context, since string) (*providers.Changes, error) {
	p.mu.Lock()
	hook := p.ChangesHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, since); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.changesErr != nil {
		return nil, p.changesErr
	}
	c, ok := p.changes[since]
	if !ok {
		return nil, providers.NewError(p.name, providers.ErrInvalidCursor, "changes", fmt.Errorf("unknown checkpoint %q", since))
	}
	return c, nil
}

// Trash implements providers.MailProvider
func (p *Provider) Trash(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.trashErrs[id]; err != nil {
		return err
	}
	if _, ok := p.messages[id]; !ok {
		return providers.NewError(p.name, providers.ErrNotFound, "trash", nil)
	}
	p.trashed = append(p.trashed, id)
	return nil
}

// Delete implements providers.MailProvider
func (p *Provider) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.deleteErrs[id]; err != nil {
		return err
	}
	if _, ok := p.messages[id]; !ok {
		return providers.NewError(p.name, providers.ErrNotFound, "delete", nil)
	}
	p.removeLocked(id)
	p.deleted = append(p.deleted, id)
	return nil
}

var _ providers.MailProvider = (*Provider)(nil)
