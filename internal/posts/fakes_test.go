package posts_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iriptembl/allin/internal/apperr"
	"github.com/Iriptembl/allin/internal/broker"
	"github.com/Iriptembl/allin/internal/models"
)

// ---------------------------------------------------------------------------
// fakeRepo
// ---------------------------------------------------------------------------

type fakeRepo struct {
	mu     sync.Mutex
	rows   map[int64]models.Post
	nextID int64

	// gate, when set, blocks GetByID until closed.
	gate chan struct{}
	err  error

	inserts atomic.Int32
	gets    atomic.Int32
	lists   atomic.Int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[int64]models.Post)}
}

func (f *fakeRepo) seed(n int) {
	for i := 1; i <= n; i++ {
		_, _ = f.Insert(context.Background(), models.NewPost{
			Title: fmt.Sprintf("title %d", i),
			Text:  fmt.Sprintf("text %d", i),
		})
	}
	f.inserts.Store(0)
}

func (f *fakeRepo) delete(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
}

func (f *fakeRepo) Insert(_ context.Context, p models.NewPost) (models.Post, error) {
	f.inserts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Post{}, f.err
	}
	f.nextID++
	post := models.Post{ID: f.nextID, Title: p.Title, Text: p.Text, CreatedAt: time.Now().UTC()}
	f.rows[post.ID] = post
	return post, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id int64) (models.Post, error) {
	f.gets.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.Post{}, apperr.Dep("fake.get", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Post{}, f.err
	}
	p, ok := f.rows[id]
	if !ok {
		return models.Post{}, apperr.NotFoundf("fake.get", fmt.Sprintf("post %d not found", id))
	}
	return p, nil
}

func (f *fakeRepo) List(_ context.Context, limit, offset int) ([]models.Post, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	all := make([]models.Post, 0, len(f.rows))
	for _, p := range f.rows {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return []models.Post{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

// ---------------------------------------------------------------------------
// fakeCache
// ---------------------------------------------------------------------------

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string

	getErr error
	setErr error

	getCalls atomic.Int32
	setCalls atomic.Int32
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.getCalls.Add(1)
	if c.getErr != nil {
		return "", false, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string) error {
	c.setCalls.Add(1)
	if c.setErr != nil {
		return c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *fakeCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Close() error               { return nil }

// ---------------------------------------------------------------------------
// failingBroker
// ---------------------------------------------------------------------------

var errBrokerDown = errors.New("connection refused")

// failingBroker fails every call, or blocks until ctx ends when block is set.
type failingBroker struct {
	block bool
}

func (b failingBroker) wait(ctx context.Context) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errBrokerDown
}

func (b failingBroker) DeclareQueue(ctx context.Context, _ string) error { return b.wait(ctx) }
func (b failingBroker) Publish(ctx context.Context, _ string, _ []byte) error {
	return b.wait(ctx)
}

func (b failingBroker) Consume(ctx context.Context, _, _ string, _ int) (<-chan broker.Delivery, error) {
	return nil, b.wait(ctx)
}

func (b failingBroker) Ping(context.Context) error { return errBrokerDown }
func (b failingBroker) Close() error               { return nil }
